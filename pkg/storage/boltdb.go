package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/sandboxd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSandboxes      = []byte("sandboxes")
	bucketSandboxIndex    = []byte("sandboxes_by_status") // status|RFC3339Nano(statusChangedAt)|id -> sandboxID
	bucketSandboxIndexKey = []byte("sandboxes_index_keys") // sandboxID -> last index key written, so updates can evict it
	bucketPool            = []byte("pool")
	bucketRepoImages       = []byte("repo_images")
	bucketCheckpoints      = []byte("checkpoints")
	bucketSessions         = []byte("sessions")
	bucketMessages         = []byte("messages")
	bucketFileChanges      = []byte("file_changes")
	bucketBashCommands     = []byte("bash_commands")
	bucketOAuthCredentials = []byte("oauth_credentials")
)

// BoltStore implements Store using BoltDB as the durable backing table.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "sandboxd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSandboxes,
			bucketSandboxIndex,
			bucketSandboxIndexKey,
			bucketPool,
			bucketRepoImages,
			bucketCheckpoints,
			bucketSessions,
			bucketMessages,
			bucketFileChanges,
			bucketBashCommands,
			bucketOAuthCredentials,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func sandboxIndexKey(status types.SandboxStatus, statusChangedAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s", status, statusChangedAt.UTC().Format(time.RFC3339Nano), id))
}

// putSandboxIndex writes the (status, statusChangedAt) composite index entry
// for a sandbox, evicting its previous entry if one exists. Must run inside
// an update transaction alongside the record write.
func putSandboxIndex(tx *bolt.Tx, sandbox *types.Sandbox) error {
	idxKeys := tx.Bucket(bucketSandboxIndexKey)
	idx := tx.Bucket(bucketSandboxIndex)

	if old := idxKeys.Get([]byte(sandbox.ID)); old != nil {
		if err := idx.Delete(old); err != nil {
			return err
		}
	}

	newKey := sandboxIndexKey(sandbox.Status, sandbox.StatusChangedAt, sandbox.ID)
	if err := idx.Put(newKey, []byte(sandbox.ID)); err != nil {
		return err
	}
	return idxKeys.Put([]byte(sandbox.ID), newKey)
}

func deleteSandboxIndex(tx *bolt.Tx, id string) error {
	idxKeys := tx.Bucket(bucketSandboxIndexKey)
	idx := tx.Bucket(bucketSandboxIndex)

	if old := idxKeys.Get([]byte(id)); old != nil {
		if err := idx.Delete(old); err != nil {
			return err
		}
	}
	return idxKeys.Delete([]byte(id))
}

// Sandbox operations

func (s *BoltStore) CreateSandbox(sandbox *types.Sandbox) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		data, err := json.Marshal(sandbox)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(sandbox.ID), data); err != nil {
			return err
		}
		return putSandboxIndex(tx, sandbox)
	})
}

func (s *BoltStore) GetSandbox(id string) (*types.Sandbox, error) {
	var sandbox types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("sandbox not found: %s", id)
		}
		return json.Unmarshal(data, &sandbox)
	})
	if err != nil {
		return nil, err
	}
	return &sandbox, nil
}

func (s *BoltStore) GetSandboxByName(name string) (*types.Sandbox, error) {
	var found *types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		return b.ForEach(func(k, v []byte) error {
			var sandbox types.Sandbox
			if err := json.Unmarshal(v, &sandbox); err != nil {
				return err
			}
			if sandbox.Name == name {
				found = &sandbox
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("sandbox not found: %s", name)
	}
	return found, nil
}

func (s *BoltStore) ListSandboxes() ([]*types.Sandbox, error) {
	var sandboxes []*types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		return b.ForEach(func(k, v []byte) error {
			var sandbox types.Sandbox
			if err := json.Unmarshal(v, &sandbox); err != nil {
				return err
			}
			sandboxes = append(sandboxes, &sandbox)
			return nil
		})
	})
	return sandboxes, err
}

func (s *BoltStore) ListSandboxesBySession(sessionID string) ([]*types.Sandbox, error) {
	sandboxes, err := s.ListSandboxes()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Sandbox
	for _, sb := range sandboxes {
		if sb.SessionID == sessionID {
			filtered = append(filtered, sb)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListSandboxesByRepoBranch(repoID, branch string) ([]*types.Sandbox, error) {
	sandboxes, err := s.ListSandboxes()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Sandbox
	for _, sb := range sandboxes {
		if sb.RepoID == repoID && sb.EffectiveBranch == branch {
			filtered = append(filtered, sb)
		}
	}
	return filtered, nil
}

// ListSandboxesByStatus uses the composite (status, statusChangedAt) index
// so scheduler ticks scan only the records in the requested status instead
// of the whole table.
func (s *BoltStore) ListSandboxesByStatus(status types.SandboxStatus) ([]*types.Sandbox, error) {
	return s.scanStatusIndex(status, time.Time{}, 0)
}

func (s *BoltStore) ListSandboxesByStatusBefore(status types.SandboxStatus, before time.Time, limit int) ([]*types.Sandbox, error) {
	return s.scanStatusIndex(status, before, limit)
}

func (s *BoltStore) scanStatusIndex(status types.SandboxStatus, before time.Time, limit int) ([]*types.Sandbox, error) {
	var ids []string
	prefix := []byte(fmt.Sprintf("%s|", status))
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketSandboxIndex)
		c := idx.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if !before.IsZero() {
				ts, ok := parseIndexTimestamp(k, prefix)
				if ok && !ts.Before(before) {
					continue
				}
			}
			ids = append(ids, string(v))
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var sandboxes []*types.Sandbox
	for _, id := range ids {
		sandbox, err := s.GetSandbox(id)
		if err != nil {
			continue // index drifted from the record bucket; skip, next scan self-heals
		}
		sandboxes = append(sandboxes, sandbox)
	}
	return sandboxes, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func parseIndexTimestamp(key, prefix []byte) (time.Time, bool) {
	rest := key[len(prefix):]
	// rest is "RFC3339Nano|id"
	for i, b := range rest {
		if b == '|' {
			ts, err := time.Parse(time.RFC3339Nano, string(rest[:i]))
			if err != nil {
				return time.Time{}, false
			}
			return ts, true
		}
	}
	return time.Time{}, false
}

func (s *BoltStore) UpdateSandbox(sandbox *types.Sandbox) error {
	return s.CreateSandbox(sandbox) // upsert, refreshes the index too
}

func (s *BoltStore) DeleteSandbox(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := deleteSandboxIndex(tx, id); err != nil {
			return err
		}
		b := tx.Bucket(bucketSandboxes)
		return b.Delete([]byte(id))
	})
}

// Pool entry operations

func (s *BoltStore) CreatePoolEntry(entry *types.PoolEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPool)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.ID), data)
	})
}

func (s *BoltStore) GetPoolEntry(id string) (*types.PoolEntry, error) {
	var entry types.PoolEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPool)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("pool entry not found: %s", id)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListPoolEntries() ([]*types.PoolEntry, error) {
	var entries []*types.PoolEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPool)
		return b.ForEach(func(k, v []byte) error {
			var entry types.PoolEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) ListPoolEntriesByStatus(status types.PoolStatus) ([]*types.PoolEntry, error) {
	entries, err := s.ListPoolEntries()
	if err != nil {
		return nil, err
	}
	var filtered []*types.PoolEntry
	for _, e := range entries {
		if e.Status == status {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListPoolEntriesByStatusAndRepo(status types.PoolStatus, repoID string) ([]*types.PoolEntry, error) {
	entries, err := s.ListPoolEntriesByStatus(status)
	if err != nil {
		return nil, err
	}
	var filtered []*types.PoolEntry
	for _, e := range entries {
		if e.RepoID == repoID {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdatePoolEntry(entry *types.PoolEntry) error {
	return s.CreatePoolEntry(entry)
}

func (s *BoltStore) DeletePoolEntry(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPool)
		return b.Delete([]byte(id))
	})
}

// Repo image operations

func (s *BoltStore) CreateRepoImage(image *types.RepoImage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepoImages)
		data, err := json.Marshal(image)
		if err != nil {
			return err
		}
		return b.Put([]byte(image.ID), data)
	})
}

func (s *BoltStore) GetRepoImage(id string) (*types.RepoImage, error) {
	var image types.RepoImage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepoImages)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("repo image not found: %s", id)
		}
		return json.Unmarshal(data, &image)
	})
	if err != nil {
		return nil, err
	}
	return &image, nil
}

func (s *BoltStore) GetRepoImageByRepoBranch(repoID, branch string) (*types.RepoImage, error) {
	var found *types.RepoImage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepoImages)
		return b.ForEach(func(k, v []byte) error {
			var image types.RepoImage
			if err := json.Unmarshal(v, &image); err != nil {
				return err
			}
			if image.RepoID == repoID && image.Branch == branch {
				found = &image
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("repo image not found: %s@%s", repoID, branch)
	}
	return found, nil
}

func (s *BoltStore) ListRepoImages() ([]*types.RepoImage, error) {
	var images []*types.RepoImage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepoImages)
		return b.ForEach(func(k, v []byte) error {
			var image types.RepoImage
			if err := json.Unmarshal(v, &image); err != nil {
				return err
			}
			images = append(images, &image)
			return nil
		})
	})
	return images, err
}

func (s *BoltStore) UpdateRepoImage(image *types.RepoImage) error {
	return s.CreateRepoImage(image)
}

func (s *BoltStore) DeleteRepoImage(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepoImages)
		return b.Delete([]byte(id))
	})
}

// Checkpoint operations

func (s *BoltStore) CreateCheckpoint(cp *types.Checkpoint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return b.Put([]byte(cp.ID), data)
	})
}

func (s *BoltStore) GetCheckpoint(id string) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("checkpoint not found: %s", id)
		}
		return json.Unmarshal(data, &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *BoltStore) GetCheckpointByRepoBranch(repoID, branch string) (*types.Checkpoint, error) {
	var found *types.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		return b.ForEach(func(k, v []byte) error {
			var cp types.Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			if cp.RepoID == repoID && cp.Branch == branch {
				found = &cp
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("checkpoint not found: %s@%s", repoID, branch)
	}
	return found, nil
}

func (s *BoltStore) ListCheckpoints() ([]*types.Checkpoint, error) {
	var checkpoints []*types.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		return b.ForEach(func(k, v []byte) error {
			var cp types.Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			checkpoints = append(checkpoints, &cp)
			return nil
		})
	})
	return checkpoints, err
}

func (s *BoltStore) UpdateCheckpoint(cp *types.Checkpoint) error {
	return s.CreateCheckpoint(cp)
}

func (s *BoltStore) DeleteCheckpoint(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		return b.Delete([]byte(id))
	})
}

// Session operations

func (s *BoltStore) CreateSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return b.Put([]byte(session.ID), data)
	})
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var session types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("session not found: %s", id)
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		return b.ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			sessions = append(sessions, &session)
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) UpdateSession(session *types.Session) error {
	return s.CreateSession(session)
}

func (s *BoltStore) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		return b.Delete([]byte(id))
	})
}

// Message operations

func (s *BoltStore) CreateMessage(message *types.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		data, err := json.Marshal(message)
		if err != nil {
			return err
		}
		return b.Put([]byte(message.ID), data)
	})
}

func (s *BoltStore) GetMessage(id string) (*types.Message, error) {
	var message types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("message not found: %s", id)
		}
		return json.Unmarshal(data, &message)
	})
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// ListMessagesBySession returns the most recent limit messages for a
// session in chronological order (oldest first). limit <= 0 means all.
func (s *BoltStore) ListMessagesBySession(sessionID string, limit int) ([]*types.Message, error) {
	var all []*types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		return b.ForEach(func(k, v []byte) error {
			var message types.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return err
			}
			if message.SessionID == sessionID {
				all = append(all, &message)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortMessagesByCreatedAt(all)

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func sortMessagesByCreatedAt(messages []*types.Message) {
	for i := 1; i < len(messages); i++ {
		for j := i; j > 0 && messages[j].CreatedAt.Before(messages[j-1].CreatedAt); j-- {
			messages[j], messages[j-1] = messages[j-1], messages[j]
		}
	}
}

func (s *BoltStore) UpdateMessage(message *types.Message) error {
	return s.CreateMessage(message)
}

func (s *BoltStore) DeleteMessage(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		return b.Delete([]byte(id))
	})
}

// File change operations

func (s *BoltStore) CreateFileChange(fc *types.FileChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileChanges)
		data, err := json.Marshal(fc)
		if err != nil {
			return err
		}
		return b.Put([]byte(fc.ID), data)
	})
}

func (s *BoltStore) ListFileChangesByMessage(messageID string) ([]*types.FileChange, error) {
	var changes []*types.FileChange
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileChanges)
		return b.ForEach(func(k, v []byte) error {
			var fc types.FileChange
			if err := json.Unmarshal(v, &fc); err != nil {
				return err
			}
			if fc.MessageID == messageID {
				changes = append(changes, &fc)
			}
			return nil
		})
	})
	return changes, err
}

// Bash command operations

func (s *BoltStore) CreateBashCommand(bc *types.BashCommand) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBashCommands)
		data, err := json.Marshal(bc)
		if err != nil {
			return err
		}
		return b.Put([]byte(bc.ID), data)
	})
}

func (s *BoltStore) ListBashCommandsByMessage(messageID string) ([]*types.BashCommand, error) {
	var commands []*types.BashCommand
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBashCommands)
		return b.ForEach(func(k, v []byte) error {
			var bc types.BashCommand
			if err := json.Unmarshal(v, &bc); err != nil {
				return err
			}
			if bc.MessageID == messageID {
				commands = append(commands, &bc)
			}
			return nil
		})
	})
	return commands, err
}

// OAuth credential operations

func (s *BoltStore) CreateOAuthCredential(cred *types.OAuthCredential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOAuthCredentials)
		data, err := json.Marshal(cred)
		if err != nil {
			return err
		}
		return b.Put([]byte(cred.ID), data)
	})
}

func (s *BoltStore) GetOAuthCredential(id string) (*types.OAuthCredential, error) {
	var cred types.OAuthCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOAuthCredentials)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("oauth credential not found: %s", id)
		}
		return json.Unmarshal(data, &cred)
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *BoltStore) GetOAuthCredentialByUser(userID string, provider types.OAuthProvider) (*types.OAuthCredential, error) {
	var found *types.OAuthCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOAuthCredentials)
		return b.ForEach(func(k, v []byte) error {
			var cred types.OAuthCredential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			if cred.UserID == userID && cred.Provider == provider {
				found = &cred
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("oauth credential not found: user=%s provider=%s", userID, provider)
	}
	return found, nil
}

func (s *BoltStore) UpdateOAuthCredential(cred *types.OAuthCredential) error {
	return s.CreateOAuthCredential(cred)
}

func (s *BoltStore) DeleteOAuthCredential(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOAuthCredentials)
		return b.Delete([]byte(id))
	})
}
