// Package allowlist decides which IPs may connect. Admitted IPs and CIDR
// networks live in one TOML file; IPs that tried and were refused accumulate
// in a second, pending an operator's decision.
package allowlist

import (
	"net"
	"os"
	"sort"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/horgh/chatbox/internal/atomicfile"
)

// AllowedList is the set of admitted entries. Each entry is a bare IP
// literal or a CIDR network.
type AllowedList struct {
	Allow []string `toml:"allow"`
}

// LoadAllowed reads the allowlist file. A missing file is an empty list. A
// malformed file is treated as empty but left untouched on disk.
func LoadAllowed(path string) (AllowedList, error) {
	var list AllowedList

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return list, nil
		}
		return list, errors.Wrap(err, "read allowlist")
	}

	if err := toml.Unmarshal(raw, &list); err != nil {
		log.WithError(err).Warn("malformed allowlist, treating as empty")
		return AllowedList{}, nil
	}

	return list, nil
}

// Save writes the allowlist atomically.
func (l AllowedList) Save(path string) error {
	data, err := toml.Marshal(l)
	if err != nil {
		return errors.Wrap(err, "marshal allowlist")
	}
	return atomicfile.Write(path, data)
}

// Nets expands the entries to IP networks. Bare IPs become /32 (or /128 for
// IPv6). Empty or malformed entries are skipped.
func (l AllowedList) Nets() []*net.IPNet {
	var nets []*net.IPNet

	for _, entry := range l.Allow {
		if _, network, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}

		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		nets = append(nets, &net.IPNet{
			IP:   ip,
			Mask: net.CIDRMask(bits, bits),
		})
	}

	return nets
}

// Allows reports whether the IP is a member of any entry.
func (l AllowedList) Allows(ip net.IP) bool {
	for _, network := range l.Nets() {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// PendingEntry records an IP's denied connection attempts.
type PendingEntry struct {
	FirstSeen int64  `toml:"first_seen"`
	LastSeen  int64  `toml:"last_seen"`
	Attempts  uint64 `toml:"attempts"`
}

// PendingList is the set of IPs that were refused admission, keyed by IP
// literal.
type PendingList struct {
	Pending map[string]PendingEntry `toml:"pending"`
}

// LoadPending reads the pending file. A missing file is an empty list. A
// malformed file is treated as empty but left untouched on disk.
func LoadPending(path string) (PendingList, error) {
	list := PendingList{Pending: map[string]PendingEntry{}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return list, nil
		}
		return list, errors.Wrap(err, "read pending list")
	}

	if err := toml.Unmarshal(raw, &list); err != nil {
		log.WithError(err).Warn("malformed pending list, treating as empty")
		return PendingList{Pending: map[string]PendingEntry{}}, nil
	}
	if list.Pending == nil {
		list.Pending = map[string]PendingEntry{}
	}

	return list, nil
}

// Save writes the pending list atomically.
func (l PendingList) Save(path string) error {
	data, err := toml.Marshal(l)
	if err != nil {
		return errors.Wrap(err, "marshal pending list")
	}
	return atomicfile.Write(path, data)
}

// NoteAttempt upserts the IP's entry: a new entry starts with one attempt,
// an existing one bumps attempts and last_seen.
func (l PendingList) NoteAttempt(ip net.IP) {
	key := ip.String()
	now := time.Now().Unix()

	entry, ok := l.Pending[key]
	if !ok {
		l.Pending[key] = PendingEntry{
			FirstSeen: now,
			LastSeen:  now,
			Attempts:  1,
		}
		return
	}

	entry.LastSeen = now
	entry.Attempts++
	l.Pending[key] = entry
}

// Files is the admission gate and admin surface over the two TOML files.
type Files struct {
	Allowlist string
	Pending   string
}

// CheckOrNote reports whether the IP is admitted. A denied IP is recorded in
// the pending list before returning.
func (f Files) CheckOrNote(ip net.IP) (bool, error) {
	allowed, err := LoadAllowed(f.Allowlist)
	if err != nil {
		return false, err
	}
	if allowed.Allows(ip) {
		return true, nil
	}

	pending, err := LoadPending(f.Pending)
	if err != nil {
		return false, err
	}
	pending.NoteAttempt(ip)
	if err := pending.Save(f.Pending); err != nil {
		return false, err
	}

	log.WithField("ip", ip.String()).Info("ip not approved, added to pending")
	return false, nil
}

// AddAllow adds an entry to the allowlist. Adding an entry twice is a no-op.
// Entries are kept sorted.
func (f Files) AddAllow(entry string) error {
	allowed, err := LoadAllowed(f.Allowlist)
	if err != nil {
		return err
	}

	for _, e := range allowed.Allow {
		if e == entry {
			return nil
		}
	}

	allowed.Allow = append(allowed.Allow, entry)
	sort.Strings(allowed.Allow)
	return allowed.Save(f.Allowlist)
}

// RemoveAllow removes an entry from the allowlist.
func (f Files) RemoveAllow(entry string) error {
	allowed, err := LoadAllowed(f.Allowlist)
	if err != nil {
		return err
	}

	kept := allowed.Allow[:0]
	for _, e := range allowed.Allow {
		if e != entry {
			kept = append(kept, e)
		}
	}
	allowed.Allow = kept

	return allowed.Save(f.Allowlist)
}

// ListAllow returns the allowlist entries.
func (f Files) ListAllow() ([]string, error) {
	allowed, err := LoadAllowed(f.Allowlist)
	if err != nil {
		return nil, err
	}
	return allowed.Allow, nil
}

// ListPending returns the pending entries sorted by IP literal.
func (f Files) ListPending() ([]string, map[string]PendingEntry, error) {
	pending, err := LoadPending(f.Pending)
	if err != nil {
		return nil, nil, err
	}

	ips := make([]string, 0, len(pending.Pending))
	for ip := range pending.Pending {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	return ips, pending.Pending, nil
}

// RemovePending removes an IP from the pending list.
func (f Files) RemovePending(ip string) error {
	pending, err := LoadPending(f.Pending)
	if err != nil {
		return err
	}

	if _, ok := pending.Pending[ip]; !ok {
		log.WithField("ip", ip).Warn("pending ip not found")
		return nil
	}

	delete(pending.Pending, ip)
	return pending.Save(f.Pending)
}

// ClearPending removes every pending entry.
func (f Files) ClearPending() error {
	pending, err := LoadPending(f.Pending)
	if err != nil {
		return err
	}

	pending.Pending = map[string]PendingEntry{}
	return pending.Save(f.Pending)
}
