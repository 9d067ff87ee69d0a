package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chatsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	channelsBucket = []byte("channels")
	tokenKey       = []byte("token")
	lastDropKey    = []byte("last_connection_drop")
	connectionKey  = []byte("connection_id")
)

// ChannelSummary is the cached view of one tracked channel. The list is
// rewritten wholesale each time the channel list publishes.
type ChannelSummary struct {
	CID           string    `json:"cid"`
	Name          string    `json:"name,omitempty"`
	Position      int       `json:"position"`
	LastMessageAt time.Time `json:"last_message_at,omitzero"`
	Unread        int       `json:"unread"`
	Pinned        bool      `json:"pinned,omitempty"`
}

// State wraps a bbolt database for the client's offline state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(channelsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached user token, or empty string.
func (s *State) Token() string {
	return s.getString(tokenKey)
}

// SetToken persists the user token. Called after a refresh so the next
// start does not need to re-authenticate.
func (s *State) SetToken(token string) error {
	return s.putString(tokenKey, token)
}

// ConnectionID returns the connection id of the last healthy session.
func (s *State) ConnectionID() string {
	return s.getString(connectionKey)
}

// SetConnectionID records the connection id of the current session.
func (s *State) SetConnectionID(id string) error {
	return s.putString(connectionKey, id)
}

// LastConnectionDrop returns when the connection was last lost, or the
// zero time.
func (s *State) LastConnectionDrop() time.Time {
	raw := s.getString(lastDropKey)
	if raw == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}

	return t
}

// SetLastConnectionDrop records when the connection was lost.
func (s *State) SetLastConnectionDrop(t time.Time) error {
	return s.putString(lastDropKey, t.UTC().Format(time.RFC3339Nano))
}

// SetChannels replaces the cached channel list.
func (s *State) SetChannels(list []ChannelSummary) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(channelsBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}

		b, err := tx.CreateBucket(channelsBucket)
		if err != nil {
			return err
		}

		for i, c := range list {
			c.Position = i

			data, err := json.Marshal(c)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(c.CID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// Channels returns the cached channel list in its last published order.
func (s *State) Channels() ([]ChannelSummary, error) {
	var out []ChannelSummary

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(channelsBucket).ForEach(func(_, v []byte) error {
			var c ChannelSummary
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			out = append(out, c)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b ChannelSummary) int { return a.Position - b.Position })

	return out, nil
}

// TrackedCIDs returns the cids of the cached channel list in order.
func (s *State) TrackedCIDs() ([]string, error) {
	list, err := s.Channels()
	if err != nil {
		return nil, err
	}

	cids := make([]string, 0, len(list))
	for _, c := range list {
		cids = append(cids, c.CID)
	}

	return cids, nil
}

func (s *State) getString(key []byte) string {
	var out string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(key)
		if v != nil {
			out = string(v)
		}

		return nil
	})

	return out
}

func (s *State) putString(key []byte, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(key, []byte(value))
	})
}
