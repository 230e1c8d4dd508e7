package surface

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
	"github.com/zhouzirui/z-personalize/backend/internal/service/channel"
	"github.com/zhouzirui/z-personalize/backend/internal/service/sessionapi"
)

// DefaultLoadTimeout bounds how long a loading surface stays hidden.
const DefaultLoadTimeout = 10 * time.Second

// ErrOpenInProgress is returned while a previous open is still acquiring its session.
var ErrOpenInProgress = errors.New("customizer open already in progress")

// State is the surface lifecycle state.
type State int

const (
	StateClosed State = iota
	StateAcquiringSession
	StateLoading
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateAcquiringSession:
		return "acquiring_session"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BaseURLFor returns the hosted surface for an environment.
func BaseURLFor(env personalization.Environment) string {
	if env == personalization.EnvironmentSandbox {
		return channel.SandboxSurfaceOrigin + "/"
	}
	return channel.ProductionSurfaceOrigin + "/"
}

// Launch describes one exposed surface.
type Launch struct {
	SessionID  string `json:"sessionId"`
	ProductID  string `json:"productId"`
	URL        string `json:"url"`
	Generation uint64 `json:"generation"`
}

// Presenter renders the surface. Methods run while the controller holds its
// lock and must not call back into the controller.
type Presenter interface {
	// Present mounts the surface hidden while it loads.
	Present(Launch)
	// Reveal shows a mounted surface.
	Reveal(Launch)
	// Dismiss removes the surface and drops its content reference.
	Dismiss()
}

type nopPresenter struct{}

func (nopPresenter) Present(Launch) {}
func (nopPresenter) Reveal(Launch)  {}
func (nopPresenter) Dismiss()       {}

// SessionCreator acknowledges new sessions with the remote service.
type SessionCreator interface {
	CreateSession(ctx context.Context, req sessionapi.CreateSessionRequest) (sessionapi.CreateSessionResponse, error)
}

// Timer is the subset of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Config identifies the product and where the surface lives.
type Config struct {
	ProductID      string
	Platform       personalization.Platform
	Hostname       string
	SurfaceBaseURL string
	LoadTimeout    time.Duration
}

// Controller owns the embedded surface lifecycle:
// Closed → AcquiringSession → Loading → Ready → Closed, with Error reachable
// from AcquiringSession. Each open attempt gets a generation; results
// belonging to a superseded generation are discarded.
type Controller struct {
	cfg       Config
	store     *personalization.Store
	sessions  SessionCreator
	presenter Presenter
	logger    *zap.Logger
	newID     func() string
	afterFunc AfterFunc
	onTimeout func()

	mu         sync.Mutex
	state      State
	generation uint64
	launch     Launch
	session    personalization.Session
	timer      Timer
	lastErr    error
}

// Option customises a Controller.
type Option func(*Controller)

// WithPresenter sets the surface renderer.
func WithPresenter(p Presenter) Option {
	return func(c *Controller) {
		if p != nil {
			c.presenter = p
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithIDGenerator overrides local session id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithAfterFunc overrides the load timer, primarily for tests.
func WithAfterFunc(fn AfterFunc) Option {
	return func(c *Controller) {
		if fn != nil {
			c.afterFunc = fn
		}
	}
}

// WithTimeoutHook observes fail-open load timeouts.
func WithTimeoutHook(fn func()) Option {
	return func(c *Controller) {
		c.onTimeout = fn
	}
}

// NewController wires the controller to its store and remote session service.
func NewController(cfg Config, store *personalization.Store, sessions SessionCreator, opts ...Option) *Controller {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if strings.TrimSpace(cfg.SurfaceBaseURL) == "" {
		cfg.SurfaceBaseURL = BaseURLFor(personalization.EnvironmentProduction)
	}
	c := &Controller{
		cfg:       cfg,
		store:     store,
		sessions:  sessions,
		presenter: nopPresenter{},
		logger:    zap.NewNop(),
		newID:     uuid.NewString,
		afterFunc: func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.Named("surface")
	return c
}

// State returns the current state and launch.
func (c *Controller) State() (State, Launch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.launch
}

// LastError returns the error that moved the controller into StateError.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Active reports whether sessionID belongs to a loading or ready surface.
func (c *Controller) Active(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked(sessionID)
}

func (c *Controller) activeLocked(sessionID string) bool {
	if c.state != StateLoading && c.state != StateReady {
		return false
	}
	return sessionID != "" && c.launch.SessionID == sessionID
}

// Open acquires an acknowledged session and exposes the surface. The surface
// is never presented for a session the remote service has not acknowledged.
func (c *Controller) Open(ctx context.Context) (Launch, error) {
	c.mu.Lock()
	switch c.state {
	case StateLoading, StateReady:
		launch := c.launch
		c.mu.Unlock()
		return launch, nil
	case StateAcquiringSession:
		c.mu.Unlock()
		return Launch{}, ErrOpenInProgress
	}
	c.generation++
	gen := c.generation
	c.state = StateAcquiringSession
	c.lastErr = nil
	c.mu.Unlock()

	session, err := c.acquire(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != gen {
		c.logger.Debug("discarding superseded open", zap.Uint64("generation", gen))
		return Launch{}, personalization.ErrSuperseded
	}
	if err != nil {
		c.state = StateError
		c.lastErr = err
		c.logger.Warn("session acquisition failed", zap.String("productId", c.cfg.ProductID), zap.Error(err))
		return Launch{}, err
	}

	launch := Launch{
		SessionID:  session.SessionID,
		ProductID:  session.ProductID,
		URL:        c.buildURL(session),
		Generation: gen,
	}
	c.state = StateLoading
	c.launch = launch
	c.session = session
	c.timer = c.afterFunc(c.cfg.LoadTimeout, func() { c.loadTimedOut(gen) })
	c.presenter.Present(launch)

	c.logger.Info("surface loading",
		zap.String("sessionId", session.SessionID),
		zap.String("productId", session.ProductID),
		zap.Uint64("generation", gen))
	return launch, nil
}

// acquire reuses the stored session or creates one with the remote service.
// An acknowledged session is persisted even when its open attempt is later
// superseded, so the service never holds a session the host forgot.
func (c *Controller) acquire(ctx context.Context) (personalization.Session, error) {
	if existing, ok := c.store.Get(ctx, c.cfg.ProductID); ok {
		c.logger.Debug("reusing stored session", zap.String("sessionId", existing.SessionID))
		return existing, nil
	}

	localID := c.newID()
	resp, err := c.sessions.CreateSession(ctx, sessionapi.CreateSessionRequest{
		SessionUUID: localID,
		ProductID:   c.cfg.ProductID,
		Platform:    c.cfg.Platform,
		Hostname:    c.cfg.Hostname,
	})
	if err != nil {
		return personalization.Session{}, err
	}

	sessionID := strings.TrimSpace(resp.SessionUUID)
	if sessionID == "" {
		sessionID = localID
	}
	session := personalization.Session{
		SessionID: sessionID,
		ProductID: c.cfg.ProductID,
		Platform:  c.cfg.Platform,
		Hostname:  c.cfg.Hostname,
	}
	if err := c.store.Put(ctx, session); err != nil {
		return personalization.Session{}, fmt.Errorf("persist acknowledged session: %w", err)
	}
	stored, ok := c.store.Get(ctx, c.cfg.ProductID)
	if !ok {
		return session, nil
	}
	return stored, nil
}

func (c *Controller) buildURL(session personalization.Session) string {
	params := url.Values{}
	params.Set("sessionUuid", session.SessionID)
	params.Set("productId", session.ProductID)
	params.Set("platform", string(session.Platform))
	params.Set("hostname", session.Hostname)

	base := c.cfg.SurfaceBaseURL
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + params.Encode()
}

// MarkLoaded records that the surface for sessionID finished rendering.
func (c *Controller) MarkLoaded(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateLoading || c.launch.SessionID != sessionID {
		return false
	}
	c.stopTimerLocked()
	c.state = StateReady
	c.presenter.Reveal(c.launch)
	c.logger.Debug("surface ready", zap.String("sessionId", sessionID))
	return true
}

// loadTimedOut reveals a slow surface anyway.
func (c *Controller) loadTimedOut(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != gen || c.state != StateLoading {
		return
	}
	c.timer = nil
	c.state = StateReady
	c.presenter.Reveal(c.launch)
	c.logger.Warn("surface load timed out, revealing anyway",
		zap.String("sessionId", c.launch.SessionID),
		zap.Duration("timeout", c.cfg.LoadTimeout))
	if c.onTimeout != nil {
		c.onTimeout()
	}
}

// Close abandons the current surface. It reports the session that was open,
// and false when there was nothing to close.
func (c *Controller) Close() (personalization.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state
	if prev == StateClosed {
		return personalization.Session{}, false
	}

	c.generation++
	c.stopTimerLocked()
	c.state = StateClosed
	c.lastErr = nil
	session := c.session
	c.session = personalization.Session{}
	c.launch = Launch{}

	if prev == StateLoading || prev == StateReady {
		c.presenter.Dismiss()
		c.logger.Debug("surface closed", zap.String("sessionId", session.SessionID), zap.Stringer("from", prev))
		return session, true
	}
	return personalization.Session{}, prev == StateAcquiringSession
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
