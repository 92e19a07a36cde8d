package services

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"im-client/internal/models"
)

// ParticipantReconciler folds join/leave/stream events into the
// authoritative participant set for the active room or call. Entries
// are keyed by socket id; there is never more than one entry per id,
// and the local client is never inserted as a remote participant.
//
// Event handling is idempotent: duplicate joins leave an existing entry
// untouched (so replayed events cannot reset stream state), and leaves
// for unknown ids are no-ops.
type ParticipantReconciler struct {
	mu           sync.RWMutex
	self         *models.Identity
	logger       *logrus.Logger
	participants map[string]*models.Participant

	joinedHandlers *handlerFan[models.Participant]
	leftHandlers   *handlerFan[models.Participant]
}

// NewParticipantReconciler creates an empty reconciler bound to the
// local identity.
func NewParticipantReconciler(self *models.Identity, logger *logrus.Logger) *ParticipantReconciler {
	return &ParticipantReconciler{
		self:           self,
		logger:         logger,
		participants:   make(map[string]*models.Participant),
		joinedHandlers: newHandlerFan[models.Participant](),
		leftHandlers:   newHandlerFan[models.Participant](),
	}
}

// Join inserts a participant if absent. Self-originated joins and
// duplicates are ignored; returns true only when a new entry was added.
func (r *ParticipantReconciler) Join(p models.Participant) bool {
	if p.SocketID == "" || r.self.IsSelf(p.SocketID) {
		return false
	}

	r.mu.Lock()
	if _, exists := r.participants[p.SocketID]; exists {
		r.mu.Unlock()
		return false
	}
	entry := p
	r.participants[p.SocketID] = &entry
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"socket_id": p.SocketID,
		"name":      p.Name,
	}).Debug("Participant joined")

	r.joinedHandlers.emit(entry)
	return true
}

// Leave removes a participant. Unknown ids are a no-op; returns true
// when an entry was removed.
func (r *ParticipantReconciler) Leave(socketID string) bool {
	r.mu.Lock()
	entry, exists := r.participants[socketID]
	if exists {
		delete(r.participants, socketID)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	r.logger.WithField("socket_id", socketID).Debug("Participant left")
	r.leftHandlers.emit(*entry)
	return true
}

// UpdateStream attaches or clears a participant's media stream. Updates
// for unknown participants are dropped: the reconciler is authoritative
// only for explicitly joined peers. Clearing the stream also clears the
// video flag.
func (r *ParticipantReconciler) UpdateStream(socketID string, stream models.MediaStream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.participants[socketID]
	if !exists {
		return false
	}
	entry.Stream = stream
	if stream == nil {
		entry.IsVideoEnabled = false
	}
	return true
}

// UpdateVideoStatus records whether a participant's camera is on.
// Disabling video drops the stream reference so no stale tracks are
// kept alive.
func (r *ParticipantReconciler) UpdateVideoStatus(socketID string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.participants[socketID]
	if !exists {
		return false
	}
	entry.IsVideoEnabled = enabled
	if !enabled {
		entry.Stream = nil
	}
	return true
}

// SyncList reconciles against a full participant list from the server:
// absent peers are added, peers missing from the list are removed, and
// retained peers keep their stream state.
func (r *ParticipantReconciler) SyncList(list []models.Participant) {
	keep := make(map[string]struct{}, len(list))
	var removed []models.Participant

	r.mu.Lock()
	for _, p := range list {
		if p.SocketID == "" || r.self.IsSelf(p.SocketID) {
			continue
		}
		keep[p.SocketID] = struct{}{}
		if _, exists := r.participants[p.SocketID]; !exists {
			entry := p
			r.participants[p.SocketID] = &entry
		}
	}
	for socketID, entry := range r.participants {
		if _, ok := keep[socketID]; !ok {
			removed = append(removed, *entry)
			delete(r.participants, socketID)
		}
	}
	r.mu.Unlock()

	for _, entry := range removed {
		r.leftHandlers.emit(entry)
	}
}

// Get returns a copy of the participant with the given socket id.
func (r *ParticipantReconciler) Get(socketID string) (models.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.participants[socketID]
	if !exists {
		return models.Participant{}, false
	}
	return *entry, true
}

// List returns a stable snapshot of all participants.
func (r *ParticipantReconciler) List() []models.Participant {
	r.mu.RLock()
	list := make([]models.Participant, 0, len(r.participants))
	for _, entry := range r.participants {
		list = append(list, *entry)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].SocketID < list[j].SocketID })
	return list
}

// Reset drops every participant without firing left events, used on
// room switch and session teardown.
func (r *ParticipantReconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants = make(map[string]*models.Participant)
}

// OnJoined registers a handler for newly added participants.
func (r *ParticipantReconciler) OnJoined(handler func(models.Participant)) func() {
	return r.joinedHandlers.add(handler)
}

// OnLeft registers a handler for removed participants.
func (r *ParticipantReconciler) OnLeft(handler func(models.Participant)) func() {
	return r.leftHandlers.add(handler)
}
