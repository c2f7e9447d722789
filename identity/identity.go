// Package identity persists which nickname an IP last used.
package identity

import (
	"context"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/horgh/chatbox/internal/atomicfile"
)

// Record is an IP's identity: the nickname it last used and when.
type Record struct {
	Nick    string `toml:"nick" json:"nick"`
	Updated int64  `toml:"updated" json:"updated"`
}

// Store is a persistent mapping from IP to Record.
type Store interface {
	// Get returns the IP's record, or nil if there is none.
	Get(ctx context.Context, ip net.IP) (*Record, error)

	// Set binds the nick to the IP with the current time.
	Set(ctx context.Context, ip net.IP, nick string) error

	// Remove drops the IP's record.
	Remove(ctx context.Context, ip net.IP) error

	// List returns every binding.
	List(ctx context.Context) (map[string]Record, error)
}

// FileStore keeps identities in a TOML file keyed by IP literal. The file is
// the source of truth: every mutation is a load, modify, atomic save.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore backed by the given path. The file need
// not exist yet.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) load() (map[string]Record, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Record{}, nil
		}
		return nil, errors.Wrap(err, "read identities")
	}

	records := map[string]Record{}
	if err := toml.Unmarshal(raw, &records); err != nil {
		log.WithError(err).Warn("malformed identities file, treating as empty")
		return map[string]Record{}, nil
	}

	return records, nil
}

// save persists the map, enforcing case-insensitive nick uniqueness: when
// two IPs hold the same lowercase nick, the record with the larger Updated
// wins and the loser's binding is dropped.
func (s *FileStore) save(records map[string]Record) error {
	byNick := map[string]string{}

	ips := make([]string, 0, len(records))
	for ip := range records {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	for _, ip := range ips {
		rec := records[ip]
		key := strings.ToLower(rec.Nick)

		existing, ok := byNick[key]
		if !ok || records[existing].Updated < rec.Updated {
			byNick[key] = ip
		}
	}

	cleaned := map[string]Record{}
	for _, ip := range byNick {
		cleaned[ip] = records[ip]
	}

	data, err := toml.Marshal(cleaned)
	if err != nil {
		return errors.Wrap(err, "marshal identities")
	}
	return atomicfile.Write(s.path, data)
}

// Get returns the IP's record, or nil if there is none.
func (s *FileStore) Get(_ context.Context, ip net.IP) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}

	rec, ok := records[ip.String()]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Set binds the nick to the IP with the current time.
func (s *FileStore) Set(_ context.Context, ip net.IP, nick string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	records[ip.String()] = Record{
		Nick:    nick,
		Updated: time.Now().Unix(),
	}

	return s.save(records)
}

// Remove drops the IP's record.
func (s *FileStore) Remove(_ context.Context, ip net.IP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	delete(records, ip.String())

	return s.save(records)
}

// List returns every binding. Keys that are not valid IP literals are
// skipped with a warning.
func (s *FileStore) List(_ context.Context) (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}

	out := map[string]Record{}
	for ip, rec := range records {
		if net.ParseIP(ip) == nil {
			log.WithField("ip", ip).Warn("invalid ip in identities file")
			continue
		}
		out[ip] = rec
	}

	return out, nil
}
