package topology

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/zerotier-go/zt-core/identity"
)

// DBFileName is the on-disk peer database file. Its layout is explicitly
// out of scope for this package; what follows is one reasonable concrete
// choice, not a contract callers outside this package may depend on.
const DBFileName = "peer.db"

// PeerRecord is one persisted row of the peer database.
type PeerRecord struct {
	Address           identity.Address `json:"address"`
	LastDirectSend    time.Time        `json:"last_direct_send"`
	LastDirectReceive time.Time        `json:"last_direct_receive"`
}

// PeerDB is a newline-delimited-JSON peer store guarded by an exclusive
// file lock (gofrs/flock, the same dependency the control server uses for
// single-instance enforcement) so only one process opens it at a time;
// Save's write-then-rename is what keeps a crash mid-write from leaving a
// half-written file.
type PeerDB struct {
	path string
	lock *flock.Flock
}

// OpenPeerDB acquires the lock and returns a handle ready for Load/Save.
func OpenPeerDB(home string) (*PeerDB, error) {
	path := filepath.Join(home, DBFileName)
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("peerdb: lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("peerdb: %s is locked by another process", path)
	}
	return &PeerDB{path: path, lock: lock}, nil
}

// Load reads every record currently on disk. A missing file is not an
// error; it just means there is nothing to load yet.
func (db *PeerDB) Load() []PeerRecord {
	f, err := os.Open(db.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []PeerRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec PeerRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue // a malformed line is dropped, not fatal
		}
		out = append(out, rec)
	}
	return out
}

// Save atomically replaces the on-disk file with records: write to a temp
// file in the same directory, then rename, so a reader never observes a
// partial write even without the lock.
func (db *PeerDB) Save(records []PeerRecord) error {
	tmp := db.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("peerdb: open temp: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return fmt.Errorf("peerdb: marshal: %w", err)
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("peerdb: write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("peerdb: flush: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("peerdb: close temp: %w", err)
	}
	return os.Rename(tmp, db.path)
}

// Close releases the file lock.
func (db *PeerDB) Close() error {
	return db.lock.Unlock()
}
