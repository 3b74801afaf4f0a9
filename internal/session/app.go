package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/trillionclues/chronicle-backend/internal/apperrors"
	"github.com/trillionclues/chronicle-backend/internal/events"
	"github.com/trillionclues/chronicle-backend/internal/models"
	"github.com/trillionclues/chronicle-backend/internal/users"
)

// TimerRegistrar defines what the app needs from the phase timer scheduler.
// Register supersedes any live countdown for the id.
type TimerRegistrar interface {
	Register(sessionID uuid.UUID)
	Cancel(sessionID uuid.UUID)
}

// Policy holds the product toggles left open by the game rules.
type Policy struct {
	// AllowLateJoin admits first-time joiners after the session left the
	// waiting phase. Reconnects of registered participants are always
	// allowed.
	AllowLateJoin bool `yaml:"allow_late_join"`
	// AllowSelfVote permits voting for one's own contribution.
	AllowSelfVote bool `yaml:"allow_self_vote"`
}

// DefaultPolicy is the strict-join, self-vote-permitted default.
func DefaultPolicy() Policy {
	return Policy{AllowLateJoin: false, AllowSelfVote: true}
}

// maxConflictRetries bounds the reload-reapply loop on concurrent writes.
const maxConflictRetries = 3

// errUnchanged signals a mutation that validated fine but left the
// aggregate untouched, so no save is needed.
var errUnchanged = errors.New("session unchanged")

// App is the authoritative session state machine. Every operation loads the
// session, validates the action against the current phase, mutates, saves
// with compare-and-save, and then fans out timer and broadcast effects.
type App struct {
	repo      Repository
	directory users.Directory
	publisher events.Publisher
	policy    Policy

	timers   TimerRegistrar
	timersMu sync.RWMutex

	rnd   *rand.Rand
	rndMu sync.Mutex
}

// Option configures an App.
type Option func(*App)

// WithRand injects the tie-break random source. Tests use a seeded source
// for reproducible winner selection.
func WithRand(rnd *rand.Rand) Option {
	return func(a *App) { a.rnd = rnd }
}

// NewApp creates the session state machine. Bind the timer scheduler with
// BindTimers before serving traffic.
func NewApp(repo Repository, directory users.Directory, publisher events.Publisher, policy Policy, opts ...Option) *App {
	a := &App{
		repo:      repo,
		directory: directory,
		publisher: publisher,
		policy:    policy,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.rnd == nil {
		a.rnd = newRand()
	}
	if a.publisher == nil {
		a.publisher = events.NopPublisher{}
	}
	return a
}

// BindTimers attaches the phase timer scheduler. Split from the constructor
// because the scheduler's tick handler is the App itself.
func (a *App) BindTimers(t TimerRegistrar) {
	a.timersMu.Lock()
	a.timers = t
	a.timersMu.Unlock()
}

// Policy returns the configured policy toggles.
func (a *App) Policy() Policy { return a.policy }

// CreateSession creates a session in the waiting phase with the creator as
// sole participant.
func (a *App) CreateSession(ctx context.Context, config models.SessionConfig, creatorID string) (*models.Session, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if creatorID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidConfig, "creator id required")
	}

	// Join codes are short, so collisions happen; retry with a fresh code.
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		code, err := newJoinCode()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInfrastructure, "generate join code", err)
		}
		s := &models.Session{
			ID:           uuid.New(),
			JoinCode:     code,
			Config:       config,
			Phase:        models.PhaseWaiting,
			CurrentRound: 1,
			Participants: []models.Participant{{UserID: creatorID, IsCreator: true}},
		}
		if err := a.repo.Create(ctx, s); err != nil {
			if apperrors.HasCode(err, apperrors.CodeConflict) {
				continue
			}
			return nil, err
		}
		log.Info().
			Str("session_id", s.ID.String()).
			Str("join_code", s.JoinCode).
			Str("creator_id", creatorID).
			Msg("session created")
		return s, nil
	}
	return nil, apperrors.New(apperrors.CodeInfrastructure, "could not allocate a unique join code")
}

// Resolve finds a session by id or, failing UUID parse, by join code.
func (a *App) Resolve(ctx context.Context, idOrCode string) (*models.Session, error) {
	if id, err := uuid.Parse(idOrCode); err == nil {
		return a.repo.Get(ctx, id)
	}
	return a.repo.GetByCode(ctx, idOrCode)
}

// JoinSession adds userID to the roster, or treats an already-registered
// user as an idempotent reconnect.
func (a *App) JoinSession(ctx context.Context, idOrCode string, userID string) (*models.Session, error) {
	target, err := a.Resolve(ctx, idOrCode)
	if err != nil {
		return nil, err
	}

	s, err := a.mutate(ctx, target.ID, func(s *models.Session, fx *effects) error {
		if s.Participant(userID) != nil {
			// Reconnect: push a fresh snapshot, change nothing.
			fx.toUser(userID, events.TypeJoined, events.JoinedPayload{
				Message:   "rejoined session",
				SessionID: s.ID.String(),
			})
			return errUnchanged
		}
		if s.Phase.Terminal() {
			return apperrors.Newf(apperrors.CodeInvalidPhase, "session is %s", s.Phase)
		}
		if s.Phase != models.PhaseWaiting && !a.policy.AllowLateJoin {
			return apperrors.New(apperrors.CodeInvalidPhase, "session has already started")
		}
		if len(s.Participants) >= s.Config.MaxParticipants {
			return apperrors.New(apperrors.CodeSessionFull, "session is full")
		}
		s.Participants = append(s.Participants, models.Participant{UserID: userID})
		fx.toUser(userID, events.TypeJoined, events.JoinedPayload{
			Message:   "joined session",
			SessionID: s.ID.String(),
		})
		return nil
	})
	return s, err
}

// LeaveSession removes userID from the roster. An emptied roster forces the
// session to finished.
func (a *App) LeaveSession(ctx context.Context, id uuid.UUID, userID string) (*models.Session, error) {
	return a.mutate(ctx, id, func(s *models.Session, fx *effects) error {
		if s.Phase.Terminal() {
			return apperrors.Newf(apperrors.CodeInvalidPhase, "session is %s", s.Phase)
		}
		if s.Participant(userID) == nil {
			return apperrors.New(apperrors.CodeNotParticipant, "user is not a participant of this session")
		}
		a.removeFromRoster(s, userID, fx)
		fx.toUser(userID, events.TypeLeft, events.LeftPayload{
			Message:   "you have left the session",
			SessionID: s.ID.String(),
		})
		return nil
	})
}

// KickParticipant removes targetID on behalf of the creator. The gateway
// detaches the target's subscriptions when the kicked event is delivered.
func (a *App) KickParticipant(ctx context.Context, id uuid.UUID, requesterID, targetID string) (*models.Session, error) {
	return a.mutate(ctx, id, func(s *models.Session, fx *effects) error {
		if s.Phase.Terminal() {
			return apperrors.Newf(apperrors.CodeInvalidPhase, "session is %s", s.Phase)
		}
		if !s.IsCreator(requesterID) {
			return apperrors.New(apperrors.CodeForbidden, "only the creator can kick participants")
		}
		if s.Participant(targetID) == nil {
			return apperrors.New(apperrors.CodeNotParticipant, "participant not found")
		}
		a.removeFromRoster(s, targetID, fx)
		fx.toUser(targetID, events.TypeKicked, events.KickedPayload{
			Message:   "you have been kicked from the session",
			SessionID: s.ID.String(),
		})
		return nil
	})
}

// CancelSession cancels a session that has not started yet.
func (a *App) CancelSession(ctx context.Context, id uuid.UUID, requesterID string) (*models.Session, error) {
	return a.mutate(ctx, id, func(s *models.Session, fx *effects) error {
		if !s.IsCreator(requesterID) {
			return apperrors.New(apperrors.CodeForbidden, "only the creator can cancel the session")
		}
		if s.Phase != models.PhaseWaiting {
			return apperrors.New(apperrors.CodeInvalidPhase, "session cannot be canceled after it has started")
		}
		s.Phase = models.PhaseCanceled
		s.RemainingSec = 0
		fx.cancelTimer = true
		fx.endedReason = events.EndReasonCanceled
		return nil
	})
}

// StartSession moves a waiting session into its first writing phase and
// registers the countdown.
func (a *App) StartSession(ctx context.Context, id uuid.UUID, requesterID string) (*models.Session, error) {
	return a.mutate(ctx, id, func(s *models.Session, fx *effects) error {
		if !s.IsCreator(requesterID) {
			return apperrors.New(apperrors.CodeForbidden, "only the creator can start the session")
		}
		if s.Phase != models.PhaseWaiting {
			return apperrors.Newf(apperrors.CodeInvalidPhase, "session is %s", s.Phase)
		}
		s.Phase = models.PhaseWriting
		s.CurrentRound = 1
		s.RemainingSec = s.Config.RoundDurationSec
		s.ClearRoundState()
		fx.registerTimer = true
		return nil
	})
}

// SubmitText records userID's contribution for the current round. When the
// last participant submits, the writing phase ends immediately instead of
// waiting for the countdown.
func (a *App) SubmitText(ctx context.Context, id uuid.UUID, userID, text string) (*models.Session, error) {
	if text == "" {
		return nil, apperrors.New(apperrors.CodeInvalidConfig, "text must not be empty")
	}
	return a.mutate(ctx, id, func(s *models.Session, fx *effects) error {
		if s.Phase != models.PhaseWriting {
			return apperrors.New(apperrors.CodeInvalidPhase, "not allowed to submit text at this stage")
		}
		p := s.Participant(userID)
		if p == nil {
			return apperrors.New(apperrors.CodeNotParticipant, "user is not a participant of this session")
		}
		if p.CurrentText != "" {
			return apperrors.New(apperrors.CodeAlreadyActed, "text has already been submitted for this round")
		}
		p.CurrentText = text
		if s.AllActed() {
			a.endWriting(s, fx)
		}
		return nil
	})
}

// SubmitVote records userID's vote for the current round. When the last
// participant votes, the voting phase ends immediately.
func (a *App) SubmitVote(ctx context.Context, id uuid.UUID, userID, votedForID string) (*models.Session, error) {
	return a.mutate(ctx, id, func(s *models.Session, fx *effects) error {
		if s.Phase != models.PhaseVoting {
			return apperrors.New(apperrors.CodeInvalidPhase, "not allowed to vote at this stage")
		}
		p := s.Participant(userID)
		if p == nil {
			return apperrors.New(apperrors.CodeNotParticipant, "user is not a participant of this session")
		}
		if p.CurrentVote != "" {
			return apperrors.New(apperrors.CodeAlreadyActed, "you have already submitted your vote")
		}
		if s.Participant(votedForID) == nil {
			return apperrors.New(apperrors.CodeNotParticipant, "vote target is not a participant of this session")
		}
		if votedForID == userID && !a.policy.AllowSelfVote {
			return apperrors.New(apperrors.CodeForbidden, "self-votes are not allowed")
		}
		p.CurrentVote = votedForID
		if s.AllActed() {
			a.endVoting(s, fx)
		}
		return nil
	})
}

// AdvancePhase forces the current timed phase to end, regardless of
// remaining time or completeness. It is a no-op outside writing/voting.
func (a *App) AdvancePhase(ctx context.Context, id uuid.UUID, requesterID string) (*models.Session, error) {
	return a.mutate(ctx, id, func(s *models.Session, fx *effects) error {
		if !s.IsCreator(requesterID) {
			return apperrors.New(apperrors.CodeForbidden, "only the creator can advance the phase")
		}
		switch s.Phase {
		case models.PhaseWriting:
			a.endWriting(s, fx)
		case models.PhaseVoting:
			a.endVoting(s, fx)
		default:
			return errUnchanged
		}
		return nil
	})
}

// Tick is the scheduler callback: one second of wall clock elapsed for the
// session's countdown. It reports done when the countdown should retire,
// either because the session left its timed phases or because a transition
// re-registered a fresh countdown.
func (a *App) Tick(ctx context.Context, id uuid.UUID) (bool, error) {
	transitioned := false
	s, err := a.mutate(ctx, id, func(s *models.Session, fx *effects) error {
		transitioned = false
		if !s.Phase.Timed() {
			return errUnchanged
		}
		if s.RemainingSec > 0 {
			s.RemainingSec--
		}
		if s.RemainingSec > 0 {
			return nil
		}
		switch s.Phase {
		case models.PhaseWriting:
			a.endWriting(s, fx)
		case models.PhaseVoting:
			a.endVoting(s, fx)
		}
		transitioned = true
		return nil
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			// Session deleted underneath the countdown; retire quietly.
			return true, nil
		}
		return true, err
	}
	return transitioned || !s.Phase.Timed(), nil
}

// GetView resolves the full client view of a session.
func (a *App) GetView(ctx context.Context, id uuid.UUID) (*View, error) {
	s, err := a.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return BuildView(ctx, s, a.directory), nil
}

// GetViewByCode resolves a session by join code. Lookup by code serves the
// join flow, so it only succeeds while the session is still waiting.
func (a *App) GetViewByCode(ctx context.Context, code string) (*View, error) {
	s, err := a.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if s.Phase != models.PhaseWaiting {
		return nil, apperrors.Newf(apperrors.CodeInvalidPhase, "session is %s", s.Phase)
	}
	return BuildView(ctx, s, a.directory), nil
}

// ListViews returns the sessions userID participates in.
func (a *App) ListViews(ctx context.Context, userID string, filter ListFilter) ([]*View, error) {
	sessions, err := a.repo.ListByUser(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	views := make([]*View, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, BuildView(ctx, s, a.directory))
	}
	return views, nil
}

// endWriting freezes the round's submissions into history and opens voting.
// Texts stay on the roster; the tally reads them at end of voting.
func (a *App) endWriting(s *models.Session, fx *effects) {
	for i := range s.Participants {
		p := &s.Participants[i]
		if p.CurrentText == "" {
			continue
		}
		s.History = append(s.History, models.Contribution{
			Text:        p.CurrentText,
			AuthorID:    p.UserID,
			RoundNumber: s.CurrentRound,
		})
	}
	s.Phase = models.PhaseVoting
	s.RemainingSec = s.Config.VoteDurationSec
	fx.registerTimer = true
}

// endVoting tallies the round, freezes the outcome into history, and either
// opens the next round or finishes the session.
func (a *App) endVoting(s *models.Session, fx *effects) {
	result := a.tally(s.Participants)
	for _, i := range s.RoundContributions(s.CurrentRound) {
		c := &s.History[i]
		c.VoteCount = result.Votes[c.AuthorID]
		c.IsWinner = result.WinnerID != "" && c.AuthorID == result.WinnerID
	}

	s.ClearRoundState()
	if s.CurrentRound >= s.Config.MaxRounds {
		s.Phase = models.PhaseFinished
		s.RemainingSec = 0
		fx.cancelTimer = true
		fx.endedReason = events.EndReasonCompleted
		return
	}
	s.CurrentRound++
	s.Phase = models.PhaseWriting
	s.RemainingSec = s.Config.RoundDurationSec
	fx.registerTimer = true
}

func (a *App) tally(participants []models.Participant) TallyResult {
	a.rndMu.Lock()
	defer a.rndMu.Unlock()
	return Tally(participants, a.rnd)
}

// removeFromRoster drops userID, keeps the creator role occupied, and
// forces an emptied session to finished.
func (a *App) removeFromRoster(s *models.Session, userID string, fx *effects) {
	wasCreator := false
	kept := s.Participants[:0]
	for _, p := range s.Participants {
		if p.UserID == userID {
			wasCreator = p.IsCreator
			continue
		}
		kept = append(kept, p)
	}
	s.Participants = kept

	if len(s.Participants) == 0 {
		s.Phase = models.PhaseFinished
		s.RemainingSec = 0
		fx.cancelTimer = true
		fx.endedReason = events.EndReasonEmpty
		return
	}
	if wasCreator {
		s.Participants[0].IsCreator = true
	}
}

// effects collects the post-save side effects of one mutation. The mutation
// closure may run several times under conflict retry, so a fresh effects
// value is built per attempt.
type effects struct {
	registerTimer bool
	cancelTimer   bool
	endedReason   string
	userEvents    []userEvent
}

type userEvent struct {
	userID  string
	typ     events.Type
	payload any
}

func (fx *effects) toUser(userID string, typ events.Type, payload any) {
	fx.userEvents = append(fx.userEvents, userEvent{userID: userID, typ: typ, payload: payload})
}

type mutation func(s *models.Session, fx *effects) error

// mutate runs the load-validate-mutate-save cycle with bounded retry on
// write conflicts, then applies timer and broadcast effects. Validation
// failures never change state.
func (a *App) mutate(ctx context.Context, id uuid.UUID, fn mutation) (*models.Session, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		s, err := a.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		fx := &effects{}
		if err := fn(s, fx); err != nil {
			if errors.Is(err, errUnchanged) {
				a.applyEffects(ctx, s, fx)
				return s, nil
			}
			return nil, err
		}
		if err := a.repo.Save(ctx, s); err != nil {
			if apperrors.HasCode(err, apperrors.CodeConflict) {
				log.Debug().
					Str("session_id", id.String()).
					Int("attempt", attempt+1).
					Msg("save conflict, reloading")
				continue
			}
			return nil, err
		}
		a.applyEffects(ctx, s, fx)
		return s, nil
	}
	return nil, apperrors.Newf(apperrors.CodeInfrastructure, "session %s: conflict retries exhausted", id)
}

// applyEffects registers or cancels the countdown and publishes the
// resolved view plus any targeted events. It runs after the save, outside
// any exclusion scope, and never fails the mutation.
func (a *App) applyEffects(ctx context.Context, s *models.Session, fx *effects) {
	a.timersMu.RLock()
	timers := a.timers
	a.timersMu.RUnlock()
	if timers != nil {
		if fx.cancelTimer {
			timers.Cancel(s.ID)
		}
		if fx.registerTimer {
			timers.Register(s.ID)
		}
	}

	for _, ue := range fx.userEvents {
		a.publisher.PublishToUser(s.ID, ue.userID, events.New(s.ID, ue.typ, ue.payload))
	}

	view := BuildView(ctx, s, a.directory)
	a.publisher.Publish(s.ID, events.New(s.ID, events.TypeSessionState, view))

	if fx.endedReason != "" {
		a.publisher.Publish(s.ID, events.New(s.ID, events.TypeSessionEnded, events.SessionEndedPayload{
			Reason: fx.endedReason,
		}))
	}
}

func validateConfig(config models.SessionConfig) error {
	if config.Title == "" {
		return apperrors.New(apperrors.CodeInvalidConfig, "title is required")
	}
	if config.MaxRounds < 1 {
		return apperrors.New(apperrors.CodeInvalidConfig, "max rounds must be at least 1")
	}
	if config.RoundDurationSec < 1 {
		return apperrors.New(apperrors.CodeInvalidConfig, "round duration must be at least 1 second")
	}
	if config.VoteDurationSec < 1 {
		return apperrors.New(apperrors.CodeInvalidConfig, "vote duration must be at least 1 second")
	}
	if config.MaxParticipants < 1 {
		return apperrors.New(apperrors.CodeInvalidConfig, "max participants must be at least 1")
	}
	return nil
}
