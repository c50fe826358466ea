// Package manager owns the authenticated session lifecycle: login redirects,
// the redirect callback, silent refresh behind a shared lock, sign-out, and
// recovery after unrecoverable auth failures. One Manager exists per
// (authBaseURL, clientID) pair in a process; constructing a second one with
// the same configuration returns the first.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgellow/tokenfront/internal/bus"
	"github.com/dgellow/tokenfront/internal/host"
	"github.com/dgellow/tokenfront/internal/log"
	"github.com/dgellow/tokenfront/internal/oauth"
	"github.com/dgellow/tokenfront/internal/registry"
	"github.com/dgellow/tokenfront/internal/session"
	"github.com/dgellow/tokenfront/internal/storage"
)

const component = "session_manager"

const (
	// transientRetryDelay separates the single retry after a transient
	// refresh failure
	transientRetryDelay = 500 * time.Millisecond

	// rotationRetryDelay and rotationRetryWindow bound the one extra retry
	// allowed after an auth failure that follows a server-side cookie
	// rotation: rotated cookies can race an in-flight refresh
	rotationRetryDelay  = time.Second
	rotationRetryWindow = time.Minute

	// refreshWaitCeiling caps how long a caller blocks on someone else's
	// in-flight refresh before settling for the current session
	refreshWaitCeiling = 10 * time.Second

	// receiverDebounce coalesces rotation/recovery broadcasts before the
	// background refresh they trigger
	receiverDebounce = 200 * time.Millisecond
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNoClientFactory  = errors.New("no downstream client factory provided")
)

// Config identifies the authorization server and this client
type Config struct {
	AuthBaseURL string
	ClientID    string
	RedirectURI string

	// Scope defaults to "openid profile" when empty
	Scope string

	// APIBaseURL is handed to downstream client factories
	APIBaseURL string
}

// Status is the synchronous answer to "am I logged in". HasTokens
// distinguishes a live in-memory credential from session metadata that
// survived a restart and needs a refresh before any credential exists.
type Status struct {
	IsAuthenticated bool
	NeedsRefresh    bool
	HasTokens       bool
}

// ClientConfig are the inputs a downstream client factory receives
type ClientConfig struct {
	BaseURL string
	APIKey  string
}

// ClientFactory builds a downstream API client from a short-lived credential
type ClientFactory func(ClientConfig) (any, error)

// Exchanger is the token-endpoint surface the manager depends on.
// *oauth.Client satisfies it; tests substitute fakes.
type Exchanger interface {
	ExchangeAuthorizationCode(ctx context.Context, req oauth.ExchangeCodeRequest) (*oauth.TokenResult, error)
	ExchangeRefreshToken(ctx context.Context, req oauth.RefreshRequest) (*oauth.TokenResult, error)
	FetchUserInfo(ctx context.Context, baseURL, accessToken string) (*session.UserProfile, error)
}

// Manager coordinates one authenticated session across callers, goroutines,
// and sibling processes sharing a state directory
type Manager struct {
	id  string
	key string
	cfg Config

	exchanger   Exchanger
	msgBus      bus.Bus
	nav         host.Navigator
	reg         *registry.Registry
	now         func() time.Time
	refreshWait time.Duration

	metadata *session.MetadataStore
	flow     *session.PKCEStateStore
	pending  *session.PendingRequestStore

	mu           sync.Mutex
	session      *session.Session
	meta         *session.Metadata
	savedAt      time.Time
	lastRotation time.Time

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	unsubscribe func()
	closeOnce   sync.Once
}

type options struct {
	exchanger     Exchanger
	msgBus        bus.Bus
	nav           host.Navigator
	reg           *registry.Registry
	durable       storage.KV
	scratch       storage.KV
	clock         func() time.Time
	sessionWindow time.Duration
	httpTimeout   time.Duration
	refreshWait   time.Duration
}

// Option customizes Manager construction
type Option func(*options)

// WithExchangeClient substitutes the token-endpoint client
func WithExchangeClient(e Exchanger) Option { return func(o *options) { o.exchanger = e } }

// WithBus sets the broadcast channel shared with sibling instances
func WithBus(b bus.Bus) Option { return func(o *options) { o.msgBus = b } }

// WithNavigator sets the host's navigation capability
func WithNavigator(n host.Navigator) Option { return func(o *options) { o.nav = n } }

// WithRegistry overrides the process-wide registry, for tests that need
// isolation
func WithRegistry(r *registry.Registry) Option { return func(o *options) { o.reg = r } }

// WithDurableStorage sets the store for session metadata that should survive
// restarts
func WithDurableStorage(kv storage.KV) Option { return func(o *options) { o.durable = kv } }

// WithScratchStorage sets the store for transient flow state: PKCE exchange
// state and the pending request
func WithScratchStorage(kv storage.KV) Option { return func(o *options) { o.scratch = kv } }

// WithClock overrides time.Now
func WithClock(clock func() time.Time) Option { return func(o *options) { o.clock = clock } }

// WithSessionWindow overrides the logical session window applied to
// persisted metadata
func WithSessionWindow(d time.Duration) Option { return func(o *options) { o.sessionWindow = d } }

// WithHTTPTimeout sets the timeout of the default exchange client. Ignored
// when WithExchangeClient is given.
func WithHTTPTimeout(d time.Duration) Option { return func(o *options) { o.httpTimeout = d } }

// WithRefreshWait bounds how long EnsureFresh blocks on an in-flight
// refresh before settling for the session it already has
func WithRefreshWait(d time.Duration) Option { return func(o *options) { o.refreshWait = d } }

// New returns the Manager for cfg, constructing it on first call.
// Subsequent calls with the same (AuthBaseURL, ClientID) return the already
// registered instance and ignore opts.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.AuthBaseURL == "" {
		return nil, errors.New("auth base URL is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}

	o := options{
		reg:   registry.Process(),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.exchanger == nil {
		o.exchanger = oauth.NewClient(o.httpTimeout)
	}
	if o.msgBus == nil {
		o.msgBus = bus.NewMemoryBus()
	}
	if o.nav == nil {
		o.nav = host.UnavailableNavigator{}
	}
	if o.durable == nil {
		o.durable = storage.NewMemory()
	}
	if o.scratch == nil {
		o.scratch = storage.NewMemory()
	}
	if o.refreshWait <= 0 {
		o.refreshWait = refreshWaitCeiling
	}

	key := registry.Key(cfg.AuthBaseURL, cfg.ClientID)
	id := uuid.NewString()
	instance, created, err := o.reg.LookupOrRegister(key, id, func() (any, error) {
		return &Manager{
			id:          id,
			key:         key,
			cfg:         cfg,
			exchanger:   o.exchanger,
			msgBus:      o.msgBus,
			nav:         o.nav,
			reg:         o.reg,
			now:         o.clock,
			refreshWait: o.refreshWait,
			metadata:    session.NewMetadataStore(o.durable, o.sessionWindow),
			flow:        session.NewPKCEStateStore(o.scratch),
			pending:     session.NewPendingRequestStore(o.scratch, 0),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	m := instance.(*Manager)
	if created {
		m.initialize()
	}
	return m, nil
}

// initialize runs once, after registration: restore persisted metadata,
// adopt a fresh shared session if a sibling already has one, and start
// listening for broadcasts.
func (m *Manager) initialize() {
	now := m.now()

	meta, err := m.metadata.Load(now)
	if err != nil {
		log.LogWarnWithFields(component, "Failed to load session metadata", map[string]any{
			"error": err.Error(),
		})
	}

	m.mu.Lock()
	m.meta = meta
	if shared, savedAt, ok := m.reg.GlobalSession(m.key); ok && shared.Fresh(now) {
		m.session = shared
		m.savedAt = savedAt
		m.meta = shared.Metadata(savedAt)
	}
	m.mu.Unlock()

	m.unsubscribe = m.msgBus.Subscribe(m.id, m.handleBusMessage)

	log.LogDebugWithFields(component, "Manager initialized", map[string]any{
		"key":         m.key,
		"hasMetadata": meta != nil,
	})
}

// ID is the instance identity used as the bus sender
func (m *Manager) ID() string { return m.id }

// Key is the configuration identity shared with sibling instances
func (m *Manager) Key() string { return m.key }

// CurrentSession returns a snapshot of the session, which may be absent,
// stale, or missing credentials
func (m *Manager) CurrentSession() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone()
}

// CheckAuthStatus answers synchronously from in-memory state. A session
// adopted from a sibling counts; metadata restored from storage counts as
// authenticated-but-credentialless, signalling that a refresh must run
// before any credential can be handed out.
func (m *Manager) CheckAuthStatus() Status {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.session.Fresh(now) {
		if shared, savedAt, ok := m.reg.GlobalSession(m.key); ok && shared.Fresh(now) {
			m.session = shared
			m.savedAt = savedAt
			m.meta = shared.Metadata(savedAt)
		}
	}

	if m.session.Fresh(now) {
		return Status{
			IsAuthenticated: true,
			NeedsRefresh:    m.session.NeedsRefresh(now),
			HasTokens:       true,
		}
	}
	if m.meta != nil {
		return Status{IsAuthenticated: true, NeedsRefresh: true, HasTokens: false}
	}
	return Status{}
}

// EnsureFresh returns a session whose access token has more than the refresh
// threshold remaining, refreshing under the shared per-key lock when it
// doesn't. Concurrent callers join the same flight. A caller that has waited
// the refresh-wait ceiling gives up and returns the current session, stale
// or not; with no session to fall back on it reports ErrNotAuthenticated.
func (m *Manager) EnsureFresh(ctx context.Context) (*session.Session, error) {
	now := m.now()
	m.mu.Lock()
	if m.session != nil && m.session.AccessToken != "" && !m.session.NeedsRefresh(now) {
		out := m.session.Clone()
		m.mu.Unlock()
		return out, nil
	}
	stale := m.session.Clone()
	m.mu.Unlock()

	ch := m.reg.Refresh(m.key, func() (any, error) {
		return m.refreshWithRetry(ctx)
	})

	timer := time.NewTimer(m.refreshWait)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session.Session), nil
	case <-timer.C:
		if stale == nil {
			log.LogWarnWithFields(component, "Refresh wait ceiling reached with no session", map[string]any{
				"key": m.key,
			})
			return nil, ErrNotAuthenticated
		}
		log.LogWarnWithFields(component, "Refresh wait ceiling reached, returning current session", map[string]any{
			"key": m.key,
		})
		return stale, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refreshWithRetry applies the failure policy around a single refresh
// attempt: transient failures get one retry after a short delay and leave
// the session intact; auth failures get one retry only when the server
// rotated its cookie within the last minute, and otherwise recover the
// session (credentials dropped, profile kept) before surfacing the error.
func (m *Manager) refreshWithRetry(ctx context.Context) (*session.Session, error) {
	s, err := m.refreshOnce(ctx)
	if err == nil {
		return s, nil
	}

	if oauth.ClassifyFailure(err) == oauth.FailureTransient {
		log.LogDebugWithFields(component, "Transient refresh failure, retrying", map[string]any{
			"error": err.Error(),
		})
		if werr := sleepCtx(ctx, transientRetryDelay); werr != nil {
			return nil, err
		}
		s, err = m.refreshOnce(ctx)
		if err == nil {
			return s, nil
		}
		if oauth.ClassifyFailure(err) == oauth.FailureTransient {
			return nil, err
		}
	}

	if m.rotationObservedRecently() {
		log.LogInfoWithFields(component, "Auth failure after recent cookie rotation, retrying once", map[string]any{
			"error": err.Error(),
		})
		if werr := sleepCtx(ctx, rotationRetryDelay); werr != nil {
			return nil, err
		}
		s, err = m.refreshOnce(ctx)
		if err == nil {
			return s, nil
		}
		if oauth.ClassifyFailure(err) == oauth.FailureTransient {
			return nil, err
		}
	}

	log.LogWarnWithFields(component, "Refresh rejected by authorization server, recovering session", map[string]any{
		"error": err.Error(),
	})
	m.RecoverSession(ctx)
	return nil, err
}

func (m *Manager) refreshOnce(ctx context.Context) (*session.Session, error) {
	res, err := m.exchanger.ExchangeRefreshToken(ctx, oauth.RefreshRequest{
		AuthBaseURL: m.cfg.AuthBaseURL,
		ClientID:    m.cfg.ClientID,
	})
	if err != nil {
		return nil, err
	}
	return m.installTokenResult(res), nil
}

// installTokenResult turns a token-endpoint response into the current
// session and fans it out: durable metadata, the shared registry slot, and a
// broadcast to siblings. Persist failures degrade to warnings.
func (m *Manager) installTokenResult(res *oauth.TokenResult) *session.Session {
	now := m.now()
	s := &session.Session{
		AccessToken:      res.AccessToken,
		AccessExpires:    now.Add(time.Duration(res.ExpiresIn) * time.Second),
		EphemeralKey:     res.EphemeralKey,
		EphemeralExpires: now.Add(time.Duration(res.EphemeralExpiresIn) * time.Second),
	}

	m.mu.Lock()
	if m.session != nil {
		s.User = m.session.User.Merge(res.User)
	} else if res.User != nil {
		s.User = res.User.Merge(nil)
	}
	m.session = s
	m.savedAt = now
	m.meta = s.Metadata(now)
	meta := m.meta
	m.mu.Unlock()

	if err := m.metadata.Save(meta); err != nil {
		log.LogWarnWithFields(component, "Failed to persist session metadata", map[string]any{
			"error": err.Error(),
		})
	}
	m.reg.SetGlobalSession(m.key, s, now)
	if err := m.msgBus.Publish(m.id, bus.SessionUpdated{Session: s.Clone(), SavedAt: now}); err != nil {
		log.LogWarnWithFields(component, "Failed to broadcast session update", map[string]any{
			"error": err.Error(),
		})
	}

	if len(res.RotatedCookies) > 0 {
		m.recordRotation(now)
		if err := m.msgBus.Publish(m.id, bus.RotationDetected{Cookies: res.RotatedCookies, Timestamp: now}); err != nil {
			log.LogWarnWithFields(component, "Failed to broadcast rotation", map[string]any{
				"error": err.Error(),
			})
		}
	}

	return s.Clone()
}

// RedirectToLogin starts a fresh authorization-code flow: any stale flow
// state is dropped, new PKCE material and anti-CSRF state are persisted
// alongside the return URL, and control transfers to the authorization
// server. The call then blocks until ctx is done; the flow resumes in
// HandleRedirectCallback, usually in a different process lifetime.
func (m *Manager) RedirectToLogin(ctx context.Context) error {
	if err := m.flow.Clear(); err != nil {
		log.LogWarnWithFields(component, "Failed to clear stale flow state", map[string]any{
			"error": err.Error(),
		})
	}

	pk := oauth.GeneratePKCE()
	state, err := oauth.GenerateState()
	if err != nil {
		return fmt.Errorf("generating state: %w", err)
	}

	returnURL := ""
	if cur, err := m.nav.CurrentURL(); err == nil && cur != nil {
		returnURL = cur.String()
	}

	if err := m.flow.Save(&session.Exchange{
		CodeVerifier: pk.Verifier,
		State:        state,
		ReturnURL:    returnURL,
	}, m.now()); err != nil {
		return fmt.Errorf("persisting flow state: %w", err)
	}

	u, err := oauth.BuildAuthorizeURL(oauth.AuthorizeParams{
		AuthBaseURL:   m.cfg.AuthBaseURL,
		ClientID:      m.cfg.ClientID,
		RedirectURI:   m.cfg.RedirectURI,
		State:         state,
		CodeChallenge: pk.Challenge,
		Scope:         m.cfg.Scope,
	})
	if err != nil {
		return err
	}

	log.LogInfoWithFields(component, "Redirecting to login", map[string]any{
		"authBaseURL": m.cfg.AuthBaseURL,
	})
	if err := m.nav.Redirect(u); err != nil {
		return fmt.Errorf("redirecting to login: %w", err)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Authenticate resolves a session by whatever means are available: consume a
// pending redirect callback, silently refresh an existing session unless
// told not to, and finally hand off to an interactive login.
func (m *Manager) Authenticate(ctx context.Context, skipSilentRefresh bool) (*session.Session, error) {
	s, err := m.HandleRedirectCallback(ctx)
	if err != nil {
		return nil, err
	}
	if s != nil {
		return s, nil
	}

	if !skipSilentRefresh && m.CheckAuthStatus().IsAuthenticated {
		if s, err := m.EnsureFresh(ctx); err == nil && s.Fresh(m.now()) {
			return s, nil
		}
		log.LogDebugWithFields(component, "Silent refresh failed, falling back to interactive login", nil)
	}

	return nil, m.RedirectToLogin(ctx)
}

// HandleRedirectCallback consumes an authorization-server callback present
// in the current location, if any. Parameters are read from the fragment
// first, then the query. A location with neither a code nor an error is not
// a callback: the call returns (nil, nil) and mutates nothing. The persisted
// flow state is consumed exactly once, and a state mismatch fails with
// CSRFError leaving no residual flow keys.
func (m *Manager) HandleRedirectCallback(ctx context.Context) (*session.Session, error) {
	cur, err := m.nav.CurrentURL()
	if err != nil {
		if errors.Is(err, host.ErrCapabilityUnavailable) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading current location: %w", err)
	}

	params := callbackParams(cur)
	code := params.Get("code")
	errParam := params.Get("error")
	if code == "" && errParam == "" {
		return nil, nil
	}

	if errParam != "" {
		if cerr := m.flow.Clear(); cerr != nil {
			log.LogWarnWithFields(component, "Failed to clear flow state", map[string]any{
				"error": cerr.Error(),
			})
		}
		return nil, &oauth.ProtocolError{
			Code:        errParam,
			Description: params.Get("error_description"),
		}
	}

	ex, err := m.flow.Take(m.now())
	if err != nil {
		log.LogWarnWithFields(component, "Failed to read flow state", map[string]any{
			"error": err.Error(),
		})
	}
	if ex == nil || !oauth.VerifyState(params.Get("state"), ex.State) {
		return nil, &oauth.CSRFError{}
	}

	res, err := m.exchanger.ExchangeAuthorizationCode(ctx, oauth.ExchangeCodeRequest{
		AuthBaseURL:  m.cfg.AuthBaseURL,
		ClientID:     m.cfg.ClientID,
		RedirectURI:  m.cfg.RedirectURI,
		Code:         code,
		CodeVerifier: ex.CodeVerifier,
	})
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	s := m.installTokenResult(res)

	if res.User == nil {
		if profile, uerr := m.exchanger.FetchUserInfo(ctx, m.cfg.AuthBaseURL, res.AccessToken); uerr == nil {
			s = m.mergeProfile(profile)
		} else {
			log.LogDebugWithFields(component, "Userinfo fetch failed", map[string]any{
				"error": uerr.Error(),
			})
		}
	}

	clean := stripAuthParams(cur)
	if rerr := m.nav.RewriteURL(clean); rerr != nil && !errors.Is(rerr, host.ErrCapabilityUnavailable) {
		log.LogWarnWithFields(component, "Failed to rewrite location", map[string]any{
			"error": rerr.Error(),
		})
	}
	if ex.ReturnURL != "" && ex.ReturnURL != clean.String() {
		if ret, perr := url.Parse(ex.ReturnURL); perr == nil {
			if rerr := m.nav.Redirect(ret); rerr != nil && !errors.Is(rerr, host.ErrCapabilityUnavailable) {
				log.LogWarnWithFields(component, "Failed to redirect to return URL", map[string]any{
					"error": rerr.Error(),
				})
			}
		}
	}

	log.LogInfoWithFields(component, "Authorization code exchanged", map[string]any{
		"hasUser": s.User != nil,
	})
	return s, nil
}

// mergeProfile folds a fetched profile into the session without discarding
// fields the token response already provided
func (m *Manager) mergeProfile(profile *session.UserProfile) *session.Session {
	now := m.now()
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return nil
	}
	m.session.User = m.session.User.Merge(profile)
	m.savedAt = now
	m.meta = m.session.Metadata(now)
	s := m.session.Clone()
	meta := m.meta
	m.mu.Unlock()

	if err := m.metadata.Save(meta); err != nil {
		log.LogWarnWithFields(component, "Failed to persist session metadata", map[string]any{
			"error": err.Error(),
		})
	}
	m.reg.SetGlobalSession(m.key, s, now)
	if err := m.msgBus.Publish(m.id, bus.ProfileUpdated{}); err != nil {
		log.LogWarnWithFields(component, "Failed to broadcast profile update", map[string]any{
			"error": err.Error(),
		})
	}
	return s
}

// SignOut drops the session everywhere: memory, durable metadata, flow
// state, the shared registry slot, and every sibling via broadcast
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	m.session = nil
	m.meta = nil
	m.savedAt = time.Time{}
	m.mu.Unlock()

	if err := m.metadata.Clear(); err != nil {
		log.LogWarnWithFields(component, "Failed to clear session metadata", map[string]any{
			"error": err.Error(),
		})
	}
	if err := m.flow.Clear(); err != nil {
		log.LogWarnWithFields(component, "Failed to clear flow state", map[string]any{
			"error": err.Error(),
		})
	}
	m.reg.ClearGlobalSession(m.key)

	if err := m.msgBus.Publish(m.id, bus.Logout{}); err != nil {
		log.LogWarnWithFields(component, "Failed to broadcast logout", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields(component, "Signed out", map[string]any{"key": m.key})
	return nil
}

// RecoverSession resets to a recoverable baseline after an unrecoverable
// auth failure: credentials are dropped, the user profile is kept so the
// host can still show who was signed in, and siblings are told. Always
// returns false: no explicit user action is required, the next
// authenticated operation re-runs the flow.
func (m *Manager) RecoverSession(ctx context.Context) bool {
	now := m.now()

	m.mu.Lock()
	var user *session.UserProfile
	if m.session != nil {
		user = m.session.User
	}
	if user != nil {
		m.session = &session.Session{User: user}
	} else {
		m.session = nil
	}
	m.meta = nil
	m.savedAt = time.Time{}
	m.mu.Unlock()

	if err := m.metadata.Clear(); err != nil {
		log.LogWarnWithFields(component, "Failed to clear session metadata", map[string]any{
			"error": err.Error(),
		})
	}
	if err := m.flow.Clear(); err != nil {
		log.LogWarnWithFields(component, "Failed to clear flow state", map[string]any{
			"error": err.Error(),
		})
	}
	m.reg.ClearGlobalSession(m.key)

	if err := m.msgBus.Publish(m.id, bus.RecoveryNeeded{Reason: "auth-failure", Timestamp: now}); err != nil {
		log.LogWarnWithFields(component, "Failed to broadcast recovery", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields(component, "Session recovered to unauthenticated baseline", map[string]any{
		"keptProfile": user != nil,
	})
	return false
}

// NewDownstreamClient hands the short-lived credential to a caller-supplied
// factory. The ephemeral key has its own freshness window, checked
// independently of the access token.
func (m *Manager) NewDownstreamClient(factory ClientFactory) (any, error) {
	if factory == nil {
		return nil, ErrNoClientFactory
	}
	now := m.now()
	m.mu.Lock()
	s := m.session.Clone()
	m.mu.Unlock()
	if !s.UsableForClient(now) {
		return nil, ErrNotAuthenticated
	}
	return factory(ClientConfig{BaseURL: m.cfg.APIBaseURL, APIKey: s.EphemeralKey})
}

// SaveRequestForResume stashes a request to replay after the login redirect
// round-trip. Persist failures are not fatal: the flow proceeds, the
// request is simply not resumed.
func (m *Manager) SaveRequestForResume(req session.SavedRequest) {
	if err := m.pending.Save(req, m.now()); err != nil {
		log.LogWarnWithFields(component, "Failed to save pending request", map[string]any{
			"error": err.Error(),
		})
	}
}

// TakePendingRequest consumes the stashed request, if one is present and
// still valid
func (m *Manager) TakePendingRequest() *session.SavedRequest {
	req, err := m.pending.Take(m.now())
	if err != nil {
		log.LogWarnWithFields(component, "Failed to read pending request", map[string]any{
			"error": err.Error(),
		})
		return nil
	}
	return req
}

// handleBusMessage reacts to sibling broadcasts. The bus filters out this
// instance's own messages.
func (m *Manager) handleBusMessage(msg bus.Message) {
	switch v := msg.(type) {
	case bus.Logout:
		m.mu.Lock()
		m.session = nil
		m.meta = nil
		m.savedAt = time.Time{}
		m.mu.Unlock()
		m.reg.ClearGlobalSession(m.key)

	case bus.SessionUpdated:
		if v.Session == nil {
			return
		}
		m.mu.Lock()
		if v.SavedAt.After(m.savedAt) {
			m.session = v.Session.Clone()
			m.savedAt = v.SavedAt
			m.meta = v.Session.Metadata(v.SavedAt)
		}
		m.mu.Unlock()
		m.reg.SetGlobalSession(m.key, v.Session, v.SavedAt)

	case bus.RotationDetected:
		m.recordRotation(v.Timestamp)
		m.scheduleBackgroundRefresh("rotation")

	case bus.RecoveryNeeded:
		m.scheduleBackgroundRefresh("recovery")

	case bus.ProfileUpdated:
		// profile changes ride along on the next session-updated
	}
}

// scheduleBackgroundRefresh coalesces bursts of rotation/recovery signals
// into one refresh attempt
func (m *Manager) scheduleBackgroundRefresh(reason string) {
	m.debounceMu.Lock()
	defer m.debounceMu.Unlock()
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = time.AfterFunc(receiverDebounce, func() {
		m.backgroundRefresh(reason)
	})
}

// backgroundRefresh is a best-effort single attempt. It never clears the
// session on failure: a broadcast-triggered refresh must not destroy state
// that an explicit caller could still use or retry.
func (m *Manager) backgroundRefresh(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshWaitCeiling)
	defer cancel()

	res := <-m.reg.Refresh(m.key, func() (any, error) {
		return m.refreshOnce(ctx)
	})
	if res.Err != nil {
		log.LogDebugWithFields(component, "Background refresh failed", map[string]any{
			"reason": reason,
			"error":  res.Err.Error(),
		})
		return
	}
	log.LogDebugWithFields(component, "Background refresh succeeded", map[string]any{
		"reason": reason,
	})
}

func (m *Manager) recordRotation(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.lastRotation) {
		m.lastRotation = at
	}
}

func (m *Manager) rotationObservedRecently() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastRotation.IsZero() {
		return false
	}
	return m.now().Sub(m.lastRotation) <= rotationRetryWindow
}

// Close deregisters from the registry and stops listening for broadcasts.
// The shared session survives as long as sibling instances remain.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.debounceMu.Lock()
		if m.debounceTimer != nil {
			m.debounceTimer.Stop()
		}
		m.debounceMu.Unlock()
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		m.reg.Deregister(m.key, m.id)
	})
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// callbackParams extracts callback parameters, preferring the fragment when
// it carries them. Servers configured for fragment response mode put code
// and state there; everything else uses the query.
func callbackParams(u *url.URL) url.Values {
	if u == nil {
		return url.Values{}
	}
	if u.Fragment != "" {
		if vals, err := url.ParseQuery(u.Fragment); err == nil {
			if vals.Get("code") != "" || vals.Get("error") != "" {
				return vals
			}
		}
	}
	return u.Query()
}

// stripAuthParams returns a copy of u with authorization artifacts removed
func stripAuthParams(u *url.URL) *url.URL {
	clean := *u
	q := clean.Query()
	for _, k := range []string{"code", "state", "error", "error_description"} {
		q.Del(k)
	}
	clean.RawQuery = q.Encode()
	clean.Fragment = ""
	clean.RawFragment = ""
	return &clean
}
