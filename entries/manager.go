package entries

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/sync/errgroup"

	"github.com/scryptedgw/scryptedgw/login"
	"github.com/scryptedgw/scryptedgw/metrics"
	"github.com/scryptedgw/scryptedgw/registry"
)

// TokenRetriever exchanges credentials for a Scrypted token.
type TokenRetriever interface {
	RetrieveToken(ctx context.Context, creds login.Credentials) (string, error)
}

// Config configures a Manager.
type Config struct {
	// Registry receives the tokens of set up entries.  Required.
	Registry *registry.Registry

	// Login retrieves tokens.  Required.
	Login TokenRetriever

	// Resources receives the card resources of entries which have
	// auto_register_resources set.  Optional.
	Resources ResourceStore

	// Domain is the proxy route literal, used to build resource URLs.
	Domain string

	Logger *logrus.Logger

	// RetrySettings control SetupWithRetry.  Defaults to exponential
	// backoff without an elapsed time limit.
	RetrySettings *backoff.ExponentialBackOff
}

// Manager sets up and unloads entries.
type Manager struct {
	registry  *registry.Registry
	login     TokenRetriever
	resources ResourceStore
	domain    string
	logger    *logrus.Logger
	retry     *backoff.ExponentialBackOff

	mu      sync.Mutex
	entries map[string]Entry
	// resource ids created for each entry, removed again on unload
	tracker map[string][]string
}

// NewManager returns a new Manager.
func NewManager(conf Config) (*Manager, error) {
	if conf.Registry == nil {
		return nil, errors.New("entries: no registry configured")
	}
	if conf.Login == nil {
		return nil, errors.New("entries: no token retriever configured")
	}
	m := &Manager{
		registry:  conf.Registry,
		login:     conf.Login,
		resources: conf.Resources,
		domain:    conf.Domain,
		logger:    conf.Logger,
		retry:     conf.RetrySettings,
		entries:   make(map[string]Entry),
		tracker:   make(map[string][]string),
	}
	if m.logger == nil {
		logger, _ := nullLog.NewNullLogger()
		m.logger = logger
	}
	if m.domain == "" {
		m.domain = "scrypted"
	}
	if m.retry == nil {
		m.retry = backoff.NewExponentialBackOff()
		m.retry.MaxElapsedTime = 0
	}
	return m, nil
}

func (m *Manager) log(e *Entry) *logrus.Entry {
	return m.logger.WithFields(logrus.Fields{
		"entry":   e.ID,
		"backend": e.Host,
	})
}

// Setup logs in to the server named by e and makes it reachable through
// the proxy.  It returns ErrReauthRequired if e has no host or the server
// does not issue a token, and ErrNotReady if the server is unreachable.
func (m *Manager) Setup(ctx context.Context, e Entry) error {
	e = e.clone()
	if e.Host == "" {
		return errors.Wrapf(ErrReauthRequired, "entry %s has no host", e.ID)
	}
	if EnsureOptions(&e) {
		m.log(&e).Info("moved option flags from entry data to options")
	}

	token, err := m.login.RetrieveToken(ctx, e.credentials())
	switch {
	case err == nil:
	case errors.Is(err, login.ErrUnavailable):
		metrics.SetupAttempts.WithLabelValues("not_ready").Inc()
		return errors.Wrapf(ErrNotReady, "%v. Is the Scrypted host down? Retrying", err)
	case errors.Is(err, login.ErrInvalidCredentials):
		metrics.SetupAttempts.WithLabelValues("reauth").Inc()
		return errors.Wrap(ErrReauthRequired, err.Error())
	default:
		metrics.SetupAttempts.WithLabelValues("error").Inc()
		return errors.Wrapf(err, "setting up entry %s", e.ID)
	}
	if token == "" {
		metrics.SetupAttempts.WithLabelValues("reauth").Inc()
		return errors.Wrapf(ErrReauthRequired, "entry %s: empty token", e.ID)
	}

	// a previous setup of this entry may have used a different token
	if old, ok := m.registry.TokenForEntry(e.ID); ok && old != token {
		m.registry.Unregister(old)
	}
	if err := m.registry.Register(token, e.backend()); err != nil {
		return errors.Wrapf(err, "registering entry %s", e.ID)
	}

	m.mu.Lock()
	m.entries[e.ID] = e
	m.mu.Unlock()

	if e.Options[registry.OptionAutoRegisterResources] {
		m.registerResources(ctx, &e, token)
	}

	metrics.SetupAttempts.WithLabelValues("ok").Inc()
	m.log(&e).Infof("entry %q set up; panel module at %s", e.Name, PanelURL(m.domain, token))
	return nil
}

// SetupWithRetry calls Setup until it succeeds, fails with an error other
// than ErrNotReady, or ctx is done.
func (m *Manager) SetupWithRetry(ctx context.Context, e Entry) error {
	settings := *m.retry
	settings.Reset()
	b := backoff.WithContext(&settings, ctx)

	var last error
	op := func() error {
		last = m.Setup(ctx, e)
		if last != nil && !errors.Is(last, ErrNotReady) {
			return backoff.Permanent(last)
		}
		return last
	}
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		m.log(&e).Warnf("%v (next attempt in %s)", err, wait)
	})
	if err != nil && ctx.Err() != nil && last != nil {
		return last
	}
	return err
}

// SetupAll sets up all entries concurrently, retrying those whose server is
// not ready.  Entries which fail permanently are logged and skipped; the
// first such error is returned once all entries are settled.
func (m *Manager) SetupAll(ctx context.Context, all []Entry) error {
	var g errgroup.Group
	for _, e := range all {
		g.Go(func() error {
			err := m.SetupWithRetry(ctx, e)
			if err != nil {
				m.log(&e).Errorf("could not set up entry %q: %v", e.Name, err)
			}
			return err
		})
	}
	return g.Wait()
}

// Unload removes the entry with the given id from the registry together
// with any resources created for it.
func (m *Manager) Unload(ctx context.Context, id string) error {
	token, ok := m.registry.TokenForEntry(id)
	if !ok {
		return errors.Wrapf(ErrUnknownEntry, "unloading %s", id)
	}

	m.mu.Lock()
	e := m.entries[id]
	delete(m.entries, id)
	tracked := m.tracker[id]
	delete(m.tracker, id)
	m.mu.Unlock()

	if e.ID == "" {
		e.ID = id
	}
	m.unregisterResources(ctx, &e, tracked)
	m.registry.Unregister(token)
	m.log(&e).Info("entry unloaded")
	return nil
}

// Reload unloads the entry if it is set up and sets it up again with the
// given definition.  Option flags are normalized first.
func (m *Manager) Reload(ctx context.Context, e Entry) error {
	if _, ok := m.registry.TokenForEntry(e.ID); ok {
		if err := m.Unload(ctx, e.ID); err != nil {
			return err
		}
	}
	return m.Setup(ctx, e)
}

// Entry returns the set up entry with the given id.
func (m *Manager) Entry(id string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// registerResources creates the card resources for token which are not yet
// present, remembering which ones were created for e.
func (m *Manager) registerResources(ctx context.Context, e *Entry, token string) {
	if m.resources == nil {
		return
	}
	log := m.log(e)

	items, err := m.resources.Items(ctx)
	if err != nil {
		log.Errorf("could not list resources: %v", err)
		return
	}
	existing := make(map[string]string, len(items))
	for _, item := range items {
		existing[item.URL] = item.ID
	}

	var created []string
	for _, res := range CardResources(m.domain, token) {
		if id, ok := existing[res.URL]; ok {
			log.Debugf("card resource already registered with resource id %s", id)
			continue
		}
		if !m.resources.Managed() {
			// URL carries the token, so it goes to the operator only
			log.Warnf("card resources can't be registered automatically because resources are managed by hand. "+
				"Please register the following resource manually:\n  - url: %s\n    type: %s", res.URL, res.Type)
			continue
		}
		item, err := m.resources.Create(ctx, res)
		if err != nil {
			log.Errorf("could not register %s resource: %v", res.Type, err)
			continue
		}
		created = append(created, item.ID)
		log.Debugf("registered card resource (resource id %s)", item.ID)
	}

	if len(created) > 0 {
		m.mu.Lock()
		m.tracker[e.ID] = append(m.tracker[e.ID], created...)
		m.mu.Unlock()
	}
}

// unregisterResources deletes the given resources if they still exist and
// the store is still managed.
func (m *Manager) unregisterResources(ctx context.Context, e *Entry, ids []string) {
	if m.resources == nil || len(ids) == 0 {
		return
	}
	log := m.log(e)

	items, err := m.resources.Items(ctx)
	if err != nil {
		log.Errorf("could not list resources: %v", err)
		return
	}
	present := make(map[string]bool, len(items))
	for _, item := range items {
		present[item.ID] = true
	}

	for _, id := range ids {
		if !present[id] {
			log.Debugf("resource %s was not found while unloading", id)
			continue
		}
		if !m.resources.Managed() {
			log.Debugf("resources are managed by hand now, not removing %s", id)
			continue
		}
		if err := m.resources.Delete(ctx, id); err != nil {
			log.Errorf("could not remove resource %s: %v", id, err)
			continue
		}
		log.Debugf("removed card resource (resource id %s)", id)
	}
}
