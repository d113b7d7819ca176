package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/secretcipher"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cipher, err := secretcipher.New("test-secret")
	require.NoError(t, err)

	s, err := Open(filepath.Join(t.TempDir(), "state.json"), cipher)
	require.NoError(t, err)
	return s
}

func TestCreateAndList(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Create(BrokerDraft{
		Name: "b1", Address: "localhost", Port: 1883, ClientIDPrefix: "b1", Enabled: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.Empty(t, rec.Password)

	list := s.List()
	require.Len(t, list, 1)
	require.Equal(t, "b1", list[0].Name)
}

func TestCreateDuplicateNameRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(BrokerDraft{Name: "dup", Address: "a", Port: 1, ClientIDPrefix: "p"})
	require.NoError(t, err)

	_, err = s.Create(BrokerDraft{Name: "dup", Address: "b", Port: 2, ClientIDPrefix: "p2"})
	require.ErrorIs(t, err, ErrDuplicateName)
}

func TestCreateInvalidRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(BrokerDraft{Name: "", Address: "a", Port: 1, ClientIDPrefix: "p"})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestUpdateNotFound(t *testing.T) {
	s := newTestStore(t)
	name := "x"
	_, err := s.Update("missing-id", BrokerPatch{Name: &name})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateIncrementsRevision(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create(BrokerDraft{Name: "r", Address: "a", Port: 1, ClientIDPrefix: "p"})
	require.NoError(t, err)
	require.Equal(t, 1, rec.Revision)

	newAddr := "b"
	updated, err := s.Update(rec.ID, BrokerPatch{Address: &newAddr})
	require.NoError(t, err)
	require.Equal(t, 2, updated.Revision)
	require.Equal(t, "b", updated.Address)
}

func TestPasswordRetainSentinel(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create(BrokerDraft{Name: "r", Address: "a", Port: 1, ClientIDPrefix: "p", Password: "secret"})
	require.NoError(t, err)

	var stored BrokerRecord
	for _, b := range s.state.Brokers {
		if b.ID == rec.ID {
			stored = b
		}
	}
	require.NotEmpty(t, stored.Password)

	retain := secretcipher.RetainSentinel
	_, err = s.Update(rec.ID, BrokerPatch{Password: &retain})
	require.NoError(t, err)

	var afterUpdate BrokerRecord
	for _, b := range s.state.Brokers {
		if b.ID == rec.ID {
			afterUpdate = b
		}
	}
	require.Equal(t, s.DecryptPassword(stored.Password), s.DecryptPassword(afterUpdate.Password))
	require.Equal(t, "secret", s.DecryptPassword(afterUpdate.Password))
}

func TestDeleteAndNotFound(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create(BrokerDraft{Name: "r", Address: "a", Port: 1, ClientIDPrefix: "p"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(rec.ID))
	require.Empty(t, s.List())

	err = s.Delete(rec.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestToggle(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create(BrokerDraft{Name: "r", Address: "a", Port: 1, ClientIDPrefix: "p", Enabled: false})
	require.NoError(t, err)

	require.NoError(t, s.Toggle(rec.ID, true))
	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	require.True(t, got.Enabled)
}

func TestSubscribeReceivesChangeEvents(t *testing.T) {
	s := newTestStore(t)
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	rec, err := s.Create(BrokerDraft{Name: "r", Address: "a", Port: 1, ClientIDPrefix: "p"})
	require.NoError(t, err)

	evt := <-ch
	require.Equal(t, Created, evt.Kind)
	require.Equal(t, rec.ID, evt.ID)
}

func TestPersistenceSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	cipher, err := secretcipher.New("test-secret")
	require.NoError(t, err)

	path := filepath.Join(dir, "state.json")
	s, err := Open(path, cipher)
	require.NoError(t, err)

	rec, err := s.Create(BrokerDraft{Name: "r", Address: "a", Port: 1, ClientIDPrefix: "p", Password: "secret"})
	require.NoError(t, err)

	reloaded, err := Open(path, cipher)
	require.NoError(t, err)

	list := reloaded.List()
	require.Len(t, list, 1)
	require.Equal(t, rec.ID, list[0].ID)

	var stored BrokerRecord
	for _, b := range reloaded.state.Brokers {
		if b.ID == rec.ID {
			stored = b
		}
	}
	require.Equal(t, "secret", reloaded.DecryptPassword(stored.Password))
}

func TestMainBrokerRetainSentinel(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateMainBroker(MainBrokerSettings{Address: "main.local", Port: 1883, ClientID: "main", Password: "mainsecret"})
	require.NoError(t, err)

	_, err = s.UpdateMainBroker(MainBrokerSettings{Address: "main.local", Port: 1884, ClientID: "main", Password: secretcipher.RetainSentinel})
	require.NoError(t, err)

	require.Equal(t, "mainsecret", s.DecryptPassword(s.state.MainBroker.Password))
	require.Equal(t, 1884, s.state.MainBroker.Port)
}
