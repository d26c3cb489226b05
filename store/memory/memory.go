package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/otpauth"
)

// Store is an in-process ProfileStore and GuestStore. The zero value is not
// usable; call New.
type Store struct {
	mu sync.RWMutex

	bySubject     map[string]*otpauth.Profile
	byIdentity    map[string]string
	tempPasswords map[string]string

	guests []*GuestRecord
	now    func() time.Time
}

// GuestRecord is a piece of data created before authentication, such as a
// cart line or a draft.
type GuestRecord struct {
	ID      string
	Marker  string
	OwnerID string
	Payload string
}

var (
	_ otpauth.ProfileStore = (*Store)(nil)
	_ otpauth.GuestStore   = (*Store)(nil)
)

func New() *Store {
	return &Store{
		bySubject:     make(map[string]*otpauth.Profile),
		byIdentity:    make(map[string]string),
		tempPasswords: make(map[string]string),
		now:           time.Now,
	}
}

func (s *Store) GetByIdentity(ctx context.Context, identity string) (*otpauth.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subjectID, ok := s.byIdentity[normalizeIdentity(identity)]
	if !ok {
		return nil, otpauth.ErrSubjectNotFound
	}
	p := *s.bySubject[subjectID]
	return &p, nil
}

func (s *Store) GetBySubject(ctx context.Context, subjectID string) (*otpauth.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.bySubject[subjectID]
	if !ok {
		return nil, otpauth.ErrSubjectNotFound
	}
	out := *p
	return &out, nil
}

// Create inserts profile. The identity is unique; a second insert for the
// same identity returns otpauth.ErrProfileExists.
func (s *Store) Create(ctx context.Context, profile otpauth.Profile) (*otpauth.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity := normalizeIdentity(profile.Identity)
	if _, ok := s.byIdentity[identity]; ok {
		return nil, otpauth.ErrProfileExists
	}
	if _, ok := s.bySubject[profile.SubjectID]; ok {
		return nil, otpauth.ErrProfileExists
	}

	p := profile
	p.Identity = identity
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	s.bySubject[p.SubjectID] = &p
	s.byIdentity[identity] = p.SubjectID

	out := p
	return &out, nil
}

func (s *Store) SetTemporaryPassword(ctx context.Context, subjectID, encodedHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bySubject[subjectID]; !ok {
		return otpauth.ErrSubjectNotFound
	}
	if _, ok := s.tempPasswords[subjectID]; ok {
		return otpauth.ErrTemporaryPasswordSet
	}
	s.tempPasswords[subjectID] = encodedHash
	return nil
}

// HasTemporaryPassword reports whether a temporary password hash was stored.
func (s *Store) HasTemporaryPassword(subjectID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tempPasswords[subjectID]
	return ok
}

// AddUsage records consumed usage units for subjectID.
func (s *Store) AddUsage(subjectID string, units int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.bySubject[subjectID]
	if !ok {
		return otpauth.ErrSubjectNotFound
	}
	p.ConsumedUsageUnits += units
	if p.ConsumedUsageUnits < 0 {
		p.ConsumedUsageUnits = 0
	}
	return nil
}

/*
====================================
GUEST RECORDS
====================================
*/

// AddGuestRecord stores an unowned record under marker.
func (s *Store) AddGuestRecord(rec GuestRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := rec
	r.Marker = strings.TrimSpace(r.Marker)
	s.guests = append(s.guests, &r)
}

func (s *Store) Reparent(ctx context.Context, marker, subjectID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for _, r := range s.guests {
		if r.Marker != marker || r.OwnerID != "" {
			continue
		}
		r.OwnerID = subjectID
		moved++
	}
	return moved, nil
}

// RecordsOwnedBy returns copies of the records owned by subjectID.
func (s *Store) RecordsOwnedBy(subjectID string) []GuestRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []GuestRecord
	for _, r := range s.guests {
		if r.OwnerID == subjectID {
			out = append(out, *r)
		}
	}
	return out
}

func normalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
