// Package store provides storage backends for FluxoDesk.
//
// This file implements the in-memory store used by tests and local development.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/fluxodesk/fluxodesk/internal/models"
)

// InMemoryStore is a map-backed Store. Safe for concurrent use.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	contacts      map[string]models.Contact
	messages      map[string][]models.Message
	flows         map[string]models.FlowDefinition
	dedup         map[string]dedupEntry
}

type dedupEntry struct {
	conversationID string
	receivedAt     time.Time
	processedAt    *time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.Conversation),
		contacts:      make(map[string]models.Contact),
		messages:      make(map[string][]models.Message),
		flows:         make(map[string]models.FlowDefinition),
		dedup:         make(map[string]dedupEntry),
	}
}

func (s *InMemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, models.ErrConversationNotFound
	}
	return &c, nil
}

func (s *InMemoryStore) GetConversationByContact(contactID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Conversation
	for id := range s.conversations {
		c := s.conversations[id]
		if c.ContactID != contactID || c.Status == models.ConversationStatusArchived {
			continue
		}
		if latest == nil || c.UpdatedAt.After(latest.UpdatedAt) {
			cc := c
			latest = &cc
		}
	}
	if latest == nil {
		return nil, models.ErrConversationNotFound
	}
	return latest, nil
}

func (s *InMemoryStore) SaveConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	existing, ok := s.conversations[c.ID]
	if !ok {
		c.Version = 1
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		s.conversations[c.ID] = c
		return nil
	}
	if existing.Version != c.Version {
		return models.ErrStaleConversation
	}
	c.Version++
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = now
	s.conversations[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetContact(id string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, models.ErrContactNotFound
	}
	return &c, nil
}

func (s *InMemoryStore) GetContactByPhone(phone string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.contacts {
		c := s.contacts[id]
		if c.Phone == phone || c.AltID == phone {
			return &c, nil
		}
	}
	return nil, models.ErrContactNotFound
}

func (s *InMemoryStore) SaveContact(c models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
	return nil
}

func (s *InMemoryStore) AddMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *InMemoryStore) ListMessages(conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]models.Message, len(s.messages[conversationID]))
	copy(msgs, s.messages[conversationID])
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	return msgs, nil
}

func (s *InMemoryStore) CountMessages(conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[conversationID]), nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, models.ErrFlowNotFound
	}
	return &f, nil
}

func (s *InMemoryStore) ListActiveFlows() ([]models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var flows []models.FlowDefinition
	for id := range s.flows {
		if s.flows[id].Active {
			flows = append(flows, s.flows[id])
		}
	}
	sort.SliceStable(flows, func(i, j int) bool { return flows[i].Ordinal < flows[j].Ordinal })
	return flows, nil
}

func (s *InMemoryStore) SaveFlow(f models.FlowDefinition) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = f
	return nil
}

func (s *InMemoryStore) RecordInbound(messageID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dedup[messageID]; exists {
		return false, nil
	}
	s.dedup[messageID] = dedupEntry{conversationID: conversationID, receivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	e.processedAt = &now
	s.dedup[messageID] = e
	return nil
}

func (s *InMemoryStore) ForgetInbound(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dedup, messageID)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
