package widget

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-personalize/backend/internal/metrics"
	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
	"github.com/zhouzirui/z-personalize/backend/internal/service/cart"
	"github.com/zhouzirui/z-personalize/backend/internal/service/channel"
	"github.com/zhouzirui/z-personalize/backend/internal/service/confirmation"
	"github.com/zhouzirui/z-personalize/backend/internal/service/sessionapi"
	"github.com/zhouzirui/z-personalize/backend/internal/service/surface"
)

const messageTimeout = 5 * time.Second

// Dependencies are the process-level collaborators shared by a widget.
type Dependencies struct {
	Backend     personalization.Backend
	HTTPClient  *http.Client
	Logger      *zap.Logger
	LogLevel    *zap.AtomicLevel
	Presenter   surface.Presenter
	Metrics     *metrics.Metrics
	OriginRules []channel.OriginRule

	// overrides used by tests
	IDGenerator func() string
	AfterFunc   surface.AfterFunc
	Now         func() time.Time
}

type components struct {
	cfg        Config
	store      *personalization.Store
	client     *sessionapi.Client
	controller *surface.Controller
	injector   *cart.Injector
	reporter   *confirmation.Reporter
}

// Widget is one personalization context for one browsing context. It is
// configured once through Init; everything before that is a no-op.
type Widget struct {
	deps    Dependencies
	logger  *zap.Logger
	channel *channel.Channel

	mu sync.RWMutex
	c  *components

	// dispatchMu serialises surface messages the way a single event loop would.
	dispatchMu sync.Mutex
}

// Status is a point-in-time view of the widget.
type Status struct {
	Initialized bool                      `json:"initialized"`
	State       surface.State             `json:"state"`
	Launch      *surface.Launch           `json:"launch,omitempty"`
	Session     *personalization.Snapshot `json:"session,omitempty"`
	LastError   string                    `json:"lastError,omitempty"`
}

// New builds an uninitialised widget and subscribes it to its message channel.
func New(deps Dependencies) *Widget {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Backend == nil {
		deps.Backend = personalization.NewMemoryBackend()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	rules := deps.OriginRules
	if len(rules) == 0 {
		rules = channel.DefaultOriginRules()
	}

	w := &Widget{
		deps:   deps,
		logger: deps.Logger.Named("widget"),
	}
	w.channel = channel.New(channel.NewAllowList(rules...), deps.Logger,
		channel.WithRejectionHook(deps.Metrics.MessageRejected))
	w.channel.Register(w.handleMessage)
	return w
}

// Channel returns the message channel surface bridges deliver into.
func (w *Widget) Channel() *channel.Channel { return w.channel }

// Init configures the widget. A second call is refused with
// ErrAlreadyInitialized and leaves the first configuration in place; an
// invalid config returns a *ConfigError and sets nothing up.
func (w *Widget) Init(cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.c != nil {
		w.logger.Warn("widget already initialized, ignoring init")
		return personalization.ErrAlreadyInitialized
	}

	cfg, err := cfg.normalize()
	if err != nil {
		w.logger.Warn("invalid widget config", zap.Error(err))
		return err
	}

	if cfg.Debug && w.deps.LogLevel != nil {
		w.deps.LogLevel.SetLevel(zap.DebugLevel)
	}

	logger := w.deps.Logger.With(zap.String("productId", string(cfg.ProductID)), zap.String("platform", string(cfg.Platform)))
	m := w.deps.Metrics

	store := personalization.NewStore(w.deps.Backend, cfg.Origin, logger, personalization.WithStoreClock(w.deps.Now))

	clientOpts := []sessionapi.Option{sessionapi.WithLogger(logger)}
	if w.deps.HTTPClient != nil {
		clientOpts = append(clientOpts, sessionapi.WithHTTPClient(w.deps.HTTPClient))
	}
	client := sessionapi.NewClient(cfg.APIBaseURL, cfg.APIKey, clientOpts...)

	controller := surface.NewController(surface.Config{
		ProductID:      string(cfg.ProductID),
		Platform:       cfg.Platform,
		Hostname:       cfg.Hostname,
		SurfaceBaseURL: cfg.SurfaceBaseURL,
		LoadTimeout:    cfg.LoadTimeout(),
	}, store, client,
		surface.WithLogger(logger),
		surface.WithPresenter(w.deps.Presenter),
		surface.WithIDGenerator(w.deps.IDGenerator),
		surface.WithAfterFunc(w.deps.AfterFunc),
		surface.WithTimeoutHook(m.LoadTimeout),
	)

	w.c = &components{
		cfg:        cfg,
		store:      store,
		client:     client,
		controller: controller,
		injector:   cart.NewInjector(string(cfg.ProductID), cfg.Platform, store, logger, cart.WithInjectHook(m.Injected)),
		reporter:   confirmation.NewReporter(cfg.Platform, store, client, logger),
	}

	w.logger.Info("widget initialized",
		zap.String("productId", string(cfg.ProductID)),
		zap.String("platform", string(cfg.Platform)),
		zap.String("environment", string(cfg.Environment)),
		zap.String("storeKey", store.Key()))
	return nil
}

func (w *Widget) current() *components {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.c
}

// Config returns the active configuration without secrets.
func (w *Widget) Config() (Public, bool) {
	c := w.current()
	if c == nil {
		return Public{}, false
	}
	return c.cfg.public(), true
}

// OpenCustomizer acquires a session and exposes the surface.
func (w *Widget) OpenCustomizer(ctx context.Context) (surface.Launch, error) {
	c := w.current()
	if c == nil {
		return surface.Launch{}, personalization.ErrNotInitialized
	}

	launch, err := c.controller.Open(ctx)
	switch {
	case err == nil:
		w.deps.Metrics.OpenAttempt("ok")
	case errors.Is(err, personalization.ErrSuperseded):
		w.deps.Metrics.OpenAttempt("superseded")
	case errors.Is(err, surface.ErrOpenInProgress):
		w.deps.Metrics.OpenAttempt("in_progress")
	default:
		w.deps.Metrics.OpenAttempt("error")
	}
	return launch, err
}

// CloseCustomizer dismisses the surface. It reports false when nothing was open.
func (w *Widget) CloseCustomizer() bool {
	c := w.current()
	if c == nil {
		return false
	}
	w.dispatchMu.Lock()
	var notify callbacks
	closed := w.closeSurface(c, CloseUser, nil, &notify)
	w.dispatchMu.Unlock()

	notify.run()
	return closed
}

// MarkSurfaceLoaded is called once the surface for sessionID has rendered.
func (w *Widget) MarkSurfaceLoaded(sessionID string) bool {
	c := w.current()
	if c == nil {
		return false
	}
	return c.controller.MarkLoaded(sessionID)
}

// InjectCart attaches the session reference to a purchase submission.
func (w *Widget) InjectCart(ctx context.Context, form cart.Form) (bool, error) {
	c := w.current()
	if c == nil {
		return false, personalization.ErrNotInitialized
	}
	return c.injector.Inject(ctx, form)
}

// ConfirmOrder reports completed sessions for a placed order. It returns a
// nil result when the widget is not initialised or has no API key.
func (w *Widget) ConfirmOrder(ctx context.Context, order confirmation.Order) (*confirmation.Result, error) {
	c := w.current()
	if c == nil {
		return nil, personalization.ErrNotInitialized
	}
	if !c.client.HasAPIKey() {
		w.logger.Warn("order confirmation requires an api key", zap.String("orderId", order.OrderID))
		w.deps.Metrics.Confirmation("missing_api_key")
		return nil, personalization.ErrMissingAPIKey
	}

	result, err := c.reporter.Confirm(ctx, order)
	switch {
	case err != nil:
		w.deps.Metrics.Confirmation("error")
		return nil, err
	case result.NothingToConfirm:
		w.deps.Metrics.Confirmation("nothing")
	default:
		w.deps.Metrics.Confirmation("ok")
	}
	return &result, nil
}

// GetAllPersonalizations returns every stored session keyed by productId.
func (w *Widget) GetAllPersonalizations(ctx context.Context) map[string]personalization.Session {
	c := w.current()
	if c == nil {
		return map[string]personalization.Session{}
	}
	return c.store.All(ctx)
}

// ClearPersonalizations wipes the store for this origin.
func (w *Widget) ClearPersonalizations(ctx context.Context) error {
	c := w.current()
	if c == nil {
		return personalization.ErrNotInitialized
	}
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	w.logger.Info("personalizations cleared", zap.String("storeKey", c.store.Key()))
	return nil
}

// Status reports the surface state and the session for the configured product.
func (w *Widget) Status(ctx context.Context) Status {
	c := w.current()
	if c == nil {
		return Status{}
	}

	state, launch := c.controller.State()
	status := Status{Initialized: true, State: state}
	if launch.SessionID != "" {
		status.Launch = &launch
	}
	if session, ok := c.store.Get(ctx, string(c.cfg.ProductID)); ok {
		snap := session.Snapshot()
		status.Session = &snap
	}
	if err := c.controller.LastError(); err != nil {
		status.LastError = err.Error()
	}
	return status
}

// callbacks queues host notifications so they run after dispatchMu is released.
type callbacks []func()

func (cb callbacks) run() {
	for _, fn := range cb {
		fn()
	}
}

func (w *Widget) handleMessage(msg channel.Message) {
	c := w.current()
	if c == nil {
		w.logger.Debug("message before init ignored", zap.String("type", string(msg.Type())))
		return
	}

	var notify callbacks
	w.dispatchMu.Lock()
	w.dispatch(c, msg, &notify)
	w.dispatchMu.Unlock()

	notify.run()
}

func (w *Widget) dispatch(c *components, msg channel.Message, notify *callbacks) {
	w.deps.Metrics.Message(string(msg.Type()))

	switch m := msg.(type) {
	case channel.Completed:
		ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
		defer cancel()
		w.handleCompleted(ctx, c, m, notify)
	case channel.Cancelled:
		w.closeSurface(c, CloseCancelled, nil, notify)
	case channel.CloseRequested:
		w.closeSurface(c, CloseRequested, nil, notify)
	case channel.Failed:
		w.logger.Warn("surface reported an error", zap.String("message", m.Message))
		w.closeSurface(c, CloseError, nil, notify)
	}
}

func (w *Widget) handleCompleted(ctx context.Context, c *components, m channel.Completed, notify *callbacks) {
	if !c.controller.Active(m.SessionID) {
		w.logger.Debug("completion for inactive session ignored", zap.String("sessionId", m.SessionID))
		return
	}

	productID := string(c.cfg.ProductID)
	session, ok := c.store.Get(ctx, productID)
	if !ok || session.SessionID != m.SessionID {
		session = personalization.Session{
			SessionID: m.SessionID,
			ProductID: productID,
			Platform:  c.cfg.Platform,
			Hostname:  c.cfg.Hostname,
		}
	}

	fresh := !session.Customized || !session.SamePayload(m.Data)
	if fresh {
		session = session.Complete(m.Data, w.deps.Now())
		if err := c.store.Put(ctx, session); err != nil {
			w.logger.Error("persisting completed session failed", zap.String("sessionId", m.SessionID), zap.Error(err))
		}
		w.deps.Metrics.Completed()
		w.logger.Info("personalization completed", zap.String("sessionId", m.SessionID))
		if cb := c.cfg.OnPersonalizationComplete; cb != nil {
			snap := session.Snapshot()
			*notify = append(*notify, func() { cb(snap) })
		}
	} else {
		w.logger.Debug("duplicate completion ignored", zap.String("sessionId", m.SessionID))
	}

	w.closeSurface(c, CloseCompleted, &session, notify)
}

// closeSurface must run under dispatchMu; the close callback is queued on notify.
func (w *Widget) closeSurface(c *components, reason CloseReason, latest *personalization.Session, notify *callbacks) bool {
	session, closed := c.controller.Close()
	if !closed {
		return false
	}
	w.deps.Metrics.SurfaceClosed()
	if latest != nil {
		session = *latest
	}
	w.logger.Debug("customizer closed", zap.String("reason", string(reason)), zap.String("sessionId", session.SessionID))
	if cb := c.cfg.OnPersonalizationClose; cb != nil {
		event := CloseEvent{Reason: reason, Session: session.Snapshot()}
		*notify = append(*notify, func() { cb(event) })
	}
	return true
}
