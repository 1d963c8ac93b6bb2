package retention

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/pairpad/internal/metrics"
)

type Config struct {
	Interval time.Duration
	// Newest records kept per live room
	Keep int
}

func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		Keep:     50,
	}
}

// Store is the execution history being swept
type Store interface {
	ListHistoryRooms() ([]string, error)
	PruneExecutions(roomID string, keep int) (int, error)
	DeleteRoomExecutions(roomID string) (int, error)
}

// ErrLiveRoomsUnknown is returned by a sweep that could not learn which
// rooms are live. Nothing is deleted.
var ErrLiveRoomsUnknown = errors.New("live rooms unknown")

// LiveRooms reports the rooms that currently exist. ok is false when the
// answer is unavailable.
type LiveRooms func() (rooms map[string]bool, ok bool)

// Service periodically drops the history of rooms that no longer exist
// and trims live rooms to their newest records.
type Service struct {
	store   Store
	live    LiveRooms
	config  Config
	metrics *metrics.Metrics
	log     zerolog.Logger
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// Outcome of one sweep
type Result struct {
	RoomsDropped int
	RoomsTrimmed int
	Deleted      int
}

func New(store Store, live LiveRooms, config Config, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Service{
		store:   store,
		live:    live,
		config:  config,
		metrics: m,
		log:     logger.With().Str("component", "retention").Logger(),
		stop:    make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info().Dur("interval", s.config.Interval).Int("keep", s.config.Keep).Msg("retention service started")
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info().Msg("retention service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.SweepNow()
		}
	}
}

// SweepNow runs one sweep. Failures on a single room are logged and the
// sweep moves on.
func (s *Service) SweepNow() (Result, error) {
	var res Result

	rooms, err := s.store.ListHistoryRooms()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list rooms with history")
		return res, err
	}

	live, ok := s.live()
	if !ok {
		s.log.Warn().Msg("live rooms unavailable, skipping sweep")
		return res, ErrLiveRoomsUnknown
	}
	for _, roomID := range rooms {
		if !live[roomID] {
			n, err := s.store.DeleteRoomExecutions(roomID)
			if err != nil {
				s.log.Error().Err(err).Str("room", roomID).Msg("failed to drop history")
				continue
			}
			res.RoomsDropped++
			res.Deleted += n
			continue
		}

		n, err := s.store.PruneExecutions(roomID, s.config.Keep)
		if err != nil {
			s.log.Error().Err(err).Str("room", roomID).Msg("failed to trim history")
			continue
		}
		if n > 0 {
			res.RoomsTrimmed++
			res.Deleted += n
		}
	}

	s.metrics.HistoryPruned(res.Deleted)
	if res.Deleted > 0 {
		s.log.Info().
			Int("dropped_rooms", res.RoomsDropped).
			Int("trimmed_rooms", res.RoomsTrimmed).
			Int("deleted", res.Deleted).
			Msg("history swept")
	}
	return res, nil
}
