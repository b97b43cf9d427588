// Package blob maps conversations onto date-bounded message buckets kept in
// the document store. Every bucket mutation is a JSON patch, so replaying a
// failed request never corrupts a bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/relaychat/internal/docstore"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const (
	DefaultMessagesPerBlob = 200
	DefaultRetryDelay      = time.Second
	retryAttempts          = 3
)

type Options struct {
	MessagesPerBlob int
	// RetryDelay defaults to one second; a negative value retries at once.
	RetryDelay time.Duration
	Logger     *zap.Logger
	// OnRetry is called before every retried document store call.
	OnRetry func(err error, wait time.Duration)
	// OnGroupCreated is called after a new bucket was written.
	OnGroupCreated func(group relaychat.MessagesGroup)
}

// groupEntry is one value of the groups index document.
type groupEntry struct {
	CardID   string    `json:"cardId"`
	BlobID   string    `json:"blobId"`
	FromDate time.Time `json:"fromDate"`
	ToDate   time.Time `json:"toDate"`
	Count    int       `json:"count"`
}

type Store struct {
	docs            docstore.Client
	messagesPerBlob int
	retryDelay      time.Duration
	logger          *zap.Logger
	onRetry         func(err error, wait time.Duration)
	onGroupCreated  func(group relaychat.MessagesGroup)

	mu      sync.Mutex
	groups  map[string][]relaychat.MessagesGroup
	buckets map[string]*sync.Mutex

	fetches   singleflight.Group
	creations singleflight.Group
}

func NewStore(docs docstore.Client, opts Options) *Store {
	if opts.MessagesPerBlob <= 0 {
		opts.MessagesPerBlob = DefaultMessagesPerBlob
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	} else if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		docs:            docs,
		messagesPerBlob: opts.MessagesPerBlob,
		retryDelay:      opts.RetryDelay,
		logger:          opts.Logger,
		onRetry:         opts.OnRetry,
		onGroupCreated:  opts.OnGroupCreated,
		groups:          map[string][]relaychat.MessagesGroup{},
		buckets:         map[string]*sync.Mutex{},
	}
}

func (s *Store) MessagesPerBlob() int {
	return s.messagesPerBlob
}

func groupsPath(cardID string) string {
	return cardID + "/messages/groups"
}

func bucketPath(cardID, blobID string) string {
	return cardID + "/messages/" + blobID
}

// retry runs op up to three times with a constant delay. Not-found and
// malformed-request errors are returned at once.
func (s *Store) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay), retryAttempts-1), ctx)
	return backoff.RetryNotify(func() error {
		err := op()
		if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrInvalidPath) || errors.Is(err, docstore.ErrInvalidPatch) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warn("retrying document store call", zap.Error(err), zap.Duration("wait", wait))
		if s.onRetry != nil {
			s.onRetry(err, wait)
		}
	})
}

func (s *Store) patch(ctx context.Context, path string, ops []docstore.PatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	return s.retry(ctx, func() error { return s.docs.PatchJSON(ctx, path, ops) })
}

// Groups returns the card's groups sorted by fromDate. Concurrent callers
// for an unseen card share one fetch, and a missing index is created empty.
func (s *Store) Groups(ctx context.Context, cardID string) ([]relaychat.MessagesGroup, error) {
	if cached, ok := s.cachedGroups(cardID); ok {
		return cached, nil
	}
	_, err, _ := s.fetches.Do(cardID, func() (any, error) {
		if _, ok := s.cachedGroups(cardID); ok {
			return nil, nil
		}
		var index map[string]groupEntry
		err := s.retry(ctx, func() error { return s.docs.GetJSON(ctx, groupsPath(cardID), &index) })
		if errors.Is(err, docstore.ErrNotFound) {
			if err := s.retry(ctx, func() error { return s.docs.PutJSON(ctx, groupsPath(cardID), map[string]any{}) }); err != nil {
				return nil, fmt.Errorf("create groups index: %w", err)
			}
			index = nil
		} else if err != nil {
			return nil, fmt.Errorf("load groups index: %w", err)
		}
		groups := make([]relaychat.MessagesGroup, 0, len(index))
		for blobID, entry := range index {
			if entry.BlobID == "" {
				entry.BlobID = blobID
			}
			groups = append(groups, relaychat.MessagesGroup{
				CardID:   cardID,
				BlobID:   entry.BlobID,
				FromDate: entry.FromDate,
				ToDate:   entry.ToDate,
				Count:    entry.Count,
			})
		}
		s.mu.Lock()
		if _, ok := s.groups[cardID]; !ok {
			s.groups[cardID] = sortGroups(groups)
		}
		s.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	cached, _ := s.cachedGroups(cardID)
	return cached, nil
}

func (s *Store) cachedGroups(cardID string) ([]relaychat.MessagesGroup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups, ok := s.groups[cardID]
	if !ok {
		return nil, false
	}
	return append([]relaychat.MessagesGroup(nil), groups...), true
}

func sortGroups(groups []relaychat.MessagesGroup) []relaychat.MessagesGroup {
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].FromDate.Before(groups[j].FromDate) })
	return groups
}

// selectGroup picks the bucket for date from groups sorted by fromDate: the
// group containing it, else the nearest earlier group with room, else the
// nearest later group with room. Only neighbours are considered, so
// extending the chosen group never makes two groups overlap.
func selectGroup(groups []relaychat.MessagesGroup, date time.Time, capacity int) (relaychat.MessagesGroup, bool) {
	for _, g := range groups {
		if g.Contains(date) {
			return g, true
		}
	}
	for i := len(groups) - 1; i >= 0; i-- {
		if !groups[i].FromDate.After(date) {
			if groups[i].Count < capacity {
				return groups[i], true
			}
			break
		}
	}
	for _, g := range groups {
		if !g.FromDate.Before(date) {
			if g.Count < capacity {
				return g, true
			}
			break
		}
	}
	return relaychat.MessagesGroup{}, false
}

// GetMessageGroupByDate returns the bucket a message created at date
// belongs to. With create it makes a new bucket when none fits. Reads pass
// create=false; writers use ReserveGroup instead.
func (s *Store) GetMessageGroupByDate(ctx context.Context, cardID string, date time.Time, create bool) (*relaychat.MessagesGroup, error) {
	for {
		groups, err := s.Groups(ctx, cardID)
		if err != nil {
			return nil, err
		}
		if g, ok := selectGroup(groups, date, s.messagesPerBlob); ok {
			return &g, nil
		}
		if !create {
			return nil, nil
		}
		if err := s.createGroupOnce(ctx, cardID, date); err != nil {
			return nil, err
		}
	}
}

// Reservation holds one slot of a bucket from selection until the message
// is written. Release gives the slot back when no message was inserted.
type Reservation struct {
	Group relaychat.MessagesGroup

	store    *Store
	consumed bool
}

// ReserveGroup selects the bucket for a message created at date, creating
// one when none fits, and claims a slot in it. The claim raises the cached
// count and widens the cached bounds at once, so concurrent writers select
// against the state this message will produce.
func (s *Store) ReserveGroup(ctx context.Context, cardID string, date time.Time) (*Reservation, error) {
	for {
		if _, err := s.Groups(ctx, cardID); err != nil {
			return nil, err
		}
		g, found, cached := s.reserve(cardID, date)
		if found {
			return &Reservation{Group: g, store: s}, nil
		}
		if !cached {
			// Forgotten between the fetch and the claim.
			continue
		}
		if err := s.createGroupOnce(ctx, cardID, date); err != nil {
			return nil, err
		}
	}
}

// Release returns an unused slot. It is safe to call after a successful
// InsertMessage, which consumes the reservation.
func (r *Reservation) Release() {
	if r == nil || r.consumed {
		return
	}
	r.consumed = true
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := s.groups[r.Group.CardID]
	for i := range groups {
		if groups[i].BlobID == r.Group.BlobID && groups[i].Count > 0 {
			groups[i].Count--
		}
	}
}

func (s *Store) reserve(cardID string, date time.Time) (group relaychat.MessagesGroup, found, cached bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups, cached := s.groups[cardID]
	if !cached {
		return relaychat.MessagesGroup{}, false, false
	}
	selected, ok := selectGroup(groups, date, s.messagesPerBlob)
	if !ok {
		return relaychat.MessagesGroup{}, false, true
	}
	for i := range groups {
		if groups[i].BlobID == selected.BlobID {
			groups[i].Count++
			groups[i] = widen(groups[i], date)
			selected = groups[i]
			break
		}
	}
	s.groups[cardID] = sortGroups(groups)
	return selected, true, true
}

// widenCached extends the cached bounds of group to cover date and returns
// them. Bounds only grow, whatever order writers arrive in.
func (s *Store) widenCached(group relaychat.MessagesGroup, date time.Time) relaychat.MessagesGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := s.groups[group.CardID]
	for i := range groups {
		if groups[i].BlobID == group.BlobID {
			groups[i] = widen(groups[i], date)
			return groups[i]
		}
	}
	return widen(group, date)
}

func widen(group relaychat.MessagesGroup, date time.Time) relaychat.MessagesGroup {
	if date.Before(group.FromDate) {
		group.FromDate = date
	}
	if date.After(group.ToDate) {
		group.ToDate = date
	}
	return group
}

// bucketLock orders bound updates of one bucket.
func (s *Store) bucketLock(blobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.buckets[blobID]
	if !ok {
		lock = &sync.Mutex{}
		s.buckets[blobID] = lock
	}
	return lock
}

// createGroupOnce creates a bucket anchored at date unless a concurrent
// creation for the card already made one that fits. Callers re-run
// selection afterwards either way.
func (s *Store) createGroupOnce(ctx context.Context, cardID string, date time.Time) error {
	_, err, _ := s.creations.Do(cardID, func() (any, error) {
		if groups, ok := s.cachedGroups(cardID); ok {
			if _, ok := selectGroup(groups, date, s.messagesPerBlob); ok {
				return nil, nil
			}
		}
		return s.createGroup(ctx, cardID, date)
	})
	return err
}

func (s *Store) createGroup(ctx context.Context, cardID string, date time.Time) (relaychat.MessagesGroup, error) {
	group := relaychat.MessagesGroup{
		CardID:   cardID,
		BlobID:   uuid.NewString(),
		FromDate: date,
		ToDate:   date,
	}
	entry := groupEntry{CardID: cardID, BlobID: group.BlobID, FromDate: date, ToDate: date}
	if err := s.patch(ctx, groupsPath(cardID), []docstore.PatchOp{
		docstore.SafeAdd(docstore.Pointer(group.BlobID), entry),
	}); err != nil {
		return relaychat.MessagesGroup{}, fmt.Errorf("register messages group: %w", err)
	}
	s.addCachedGroup(group)

	bucket := relaychat.GroupDocument{
		CardID:   cardID,
		FromDate: date,
		ToDate:   date,
		Language: relaychat.DefaultLanguage,
		Messages: map[string]relaychat.Message{},
	}
	if err := s.retry(ctx, func() error { return s.docs.PutJSON(ctx, bucketPath(cardID, group.BlobID), bucket) }); err != nil {
		return relaychat.MessagesGroup{}, fmt.Errorf("create messages bucket: %w", err)
	}
	s.logger.Debug("created messages group", zap.String("cardId", cardID), zap.String("blobId", group.BlobID))
	if s.onGroupCreated != nil {
		s.onGroupCreated(group)
	}
	return group, nil
}

func (s *Store) addCachedGroup(group relaychat.MessagesGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.groups[group.CardID]
	for _, g := range current {
		if g.BlobID == group.BlobID {
			return
		}
	}
	s.groups[group.CardID] = sortGroups(append(append([]relaychat.MessagesGroup(nil), current...), group))
}

// adjustGroup updates the cached count first and then the remote index.
// The cache is not rolled back when the remote patch fails.
func (s *Store) adjustGroup(ctx context.Context, cardID, blobID string, delta int) error {
	s.mu.Lock()
	found := false
	groups := s.groups[cardID]
	for i := range groups {
		if groups[i].BlobID == blobID {
			found = true
			groups[i].Count += delta
		}
	}
	s.mu.Unlock()
	if !found {
		return nil
	}
	return s.patch(ctx, groupsPath(cardID), []docstore.PatchOp{docstore.Inc(docstore.Pointer(blobID, "count"), delta)})
}

// RegisterGroup records a group created elsewhere in the index and cache.
func (s *Store) RegisterGroup(ctx context.Context, group relaychat.MessagesGroup) error {
	if _, err := s.Groups(ctx, group.CardID); err != nil {
		return err
	}
	entry := groupEntry(group)
	if err := s.patch(ctx, groupsPath(group.CardID), []docstore.PatchOp{
		docstore.SafeAdd(docstore.Pointer(group.BlobID), entry),
	}); err != nil {
		return err
	}
	s.addCachedGroup(group)
	return nil
}

// RemoveGroup drops a group from the index and deletes its bucket.
func (s *Store) RemoveGroup(ctx context.Context, cardID, blobID string) error {
	s.mu.Lock()
	if groups, ok := s.groups[cardID]; ok {
		kept := groups[:0]
		for _, g := range groups {
			if g.BlobID != blobID {
				kept = append(kept, g)
			}
		}
		s.groups[cardID] = kept
	}
	delete(s.buckets, blobID)
	s.mu.Unlock()

	if err := s.patch(ctx, groupsPath(cardID), []docstore.PatchOp{docstore.SafeRemove(docstore.Pointer(blobID))}); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	err := s.retry(ctx, func() error { return s.docs.DeleteJSON(ctx, bucketPath(cardID, blobID)) })
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	return err
}

// RemoveCardGroups deletes every bucket of a card together with its index.
func (s *Store) RemoveCardGroups(ctx context.Context, cardID string) error {
	groups, err := s.Groups(ctx, cardID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := s.RemoveGroup(ctx, cardID, g.BlobID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.groups, cardID)
	s.mu.Unlock()
	err = s.retry(ctx, func() error { return s.docs.DeleteJSON(ctx, groupsPath(cardID)) })
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	return err
}

// Forget drops the cached group list of a card.
func (s *Store) Forget(cardID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, cardID)
}
