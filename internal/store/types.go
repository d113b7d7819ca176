package store

// BrokerRecord is the persistent unit managed by the Config Store. Password
// is held encrypted (secretcipher ciphertext); List() never returns the
// decrypted value.
type BrokerRecord struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Address            string   `json:"address"`
	Port               int      `json:"port"`
	ClientIDPrefix     string   `json:"clientIdPrefix"`
	Username           string   `json:"username,omitempty"`
	Password           string   `json:"password,omitempty"` // encrypted
	UseTLS             bool     `json:"useTls"`
	InsecureSkipVerify bool     `json:"insecureSkipVerify"`
	Bidirectional      bool     `json:"bidirectional"`
	Topics             []string `json:"topics"`
	SubscriptionTopics []string `json:"subscriptionTopics"`
	Enabled            bool     `json:"enabled"`
	Revision           int      `json:"revision"`
}

// MainBrokerSettings is the singleton upstream broker configuration.
type MainBrokerSettings struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	ClientID string `json:"clientId"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // encrypted
	Revision int    `json:"revision"`
}

// persistedState is the on-disk JSON shape (spec.md §6).
type persistedState struct {
	MainBroker MainBrokerSettings `json:"mainBroker"`
	Brokers    []BrokerRecord     `json:"brokers"`
}

// BrokerDraft is the input DTO for Create: a plaintext password, validated
// before encryption and persistence.
type BrokerDraft struct {
	Name               string   `json:"name" validate:"required"`
	Address            string   `json:"address" validate:"required"`
	Port               int      `json:"port" validate:"required,min=1,max=65535"`
	ClientIDPrefix     string   `json:"clientIdPrefix" validate:"required"`
	Username           string   `json:"username"`
	Password           string   `json:"password"`
	UseTLS             bool     `json:"useTls"`
	InsecureSkipVerify bool     `json:"insecureSkipVerify"`
	Bidirectional      bool     `json:"bidirectional"`
	Topics             []string `json:"topics"`
	SubscriptionTopics []string `json:"subscriptionTopics"`
	Enabled            bool     `json:"enabled"`
}

// BrokerPatch is the input DTO for Update. Pointer/nil-able fields mean
// "leave unchanged"; Password == secretcipher.RetainSentinel means "keep
// the existing encrypted password".
type BrokerPatch struct {
	Name               *string   `json:"name,omitempty" validate:"omitempty"`
	Address            *string   `json:"address,omitempty" validate:"omitempty"`
	Port               *int      `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	ClientIDPrefix     *string   `json:"clientIdPrefix,omitempty" validate:"omitempty"`
	Username           *string   `json:"username,omitempty"`
	Password           *string   `json:"password,omitempty"`
	UseTLS             *bool     `json:"useTls,omitempty"`
	InsecureSkipVerify *bool     `json:"insecureSkipVerify,omitempty"`
	Bidirectional      *bool     `json:"bidirectional,omitempty"`
	Topics             *[]string `json:"topics,omitempty"`
	SubscriptionTopics *[]string `json:"subscriptionTopics,omitempty"`
	Enabled            *bool     `json:"enabled,omitempty"`
}

// ChangeKind identifies the kind of mutation a ChangeEvent describes.
type ChangeKind string

const (
	Created ChangeKind = "created"
	Updated ChangeKind = "updated"
	Deleted ChangeKind = "deleted"
)

// ChangeEvent is emitted on the store's change stream and drives the
// Connection Manager's reconciler.
type ChangeEvent struct {
	Kind   ChangeKind
	ID     string
	Record BrokerRecord // zero value for Deleted
}

// ConnectionAffectingFields lists the BrokerRecord fields whose change
// forces a reconnect rather than a subscription-only update (spec.md
// §4.4).
var ConnectionAffectingFields = []string{
	"address", "port", "username", "password", "useTls", "insecureSkipVerify", "clientIdPrefix",
}
