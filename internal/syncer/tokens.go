package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harrylevesque/biotimesync/internal/biotime"
	"github.com/harrylevesque/biotimesync/internal/files"
	"github.com/harrylevesque/biotimesync/internal/models"
	"github.com/harrylevesque/biotimesync/internal/utils"
)

// ConnectorStore is the connector registry the engine reads credentials
// and cursors from.
type ConnectorStore interface {
	Get(name string) (models.Connector, error)
	Enabled() (models.Connector, error)
	SetToken(name, token string) (models.Connector, error)
	SetLastSyncedID(name string, id int64) error
}

var ErrMissingPassword = utils.New(http.StatusBadRequest, "Password is required to create a token")

// Session is an enabled connector with a usable token.
type Session struct {
	Connector models.Connector
	Client    *biotime.Client
	Token     string
}

// Tokens hands out clients and tokens for connectors. Tokens are checked
// against the portal once and trusted until Invalidate is called or their
// exp claim passes.
type Tokens struct {
	cs   ConnectorStore
	opts biotime.Options
	lg   *zap.Logger
	now  func() time.Time

	mu        sync.Mutex
	clients   map[string]*biotime.Client
	validated map[string]string
}

func NewTokens(cs ConnectorStore, opts biotime.Options) *Tokens {
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Tokens{
		cs:        cs,
		opts:      opts,
		lg:        lg.Named("tokens"),
		now:       time.Now,
		clients:   map[string]*biotime.Client{},
		validated: map[string]string{},
	}
}

// Client returns the shared client for a portal.
func (t *Tokens) Client(portal string) *biotime.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[portal]
	if !ok {
		c = biotime.New(portal, t.opts)
		t.clients[portal] = c
	}
	return c
}

// RefreshToken authenticates with the stored credentials of the named
// connector and persists the new token.
func (t *Tokens) RefreshToken(ctx context.Context, name string) (models.Connector, error) {
	conn, err := t.cs.Get(name)
	if err != nil {
		return models.Connector{}, err
	}
	return t.refresh(ctx, conn)
}

func (t *Tokens) refresh(ctx context.Context, conn models.Connector) (models.Connector, error) {
	if conn.Password == "" {
		return models.Connector{}, ErrMissingPassword
	}
	client := t.Client(conn.CompanyPortal)
	tok, err := client.Authenticate(ctx, conn.Username, conn.Password)
	if err != nil {
		t.lg.Warn("token request failed", zap.String("connector", conn.Name), zap.String("portal", client.Portal()), zap.Error(err))
		var se *biotime.StatusError
		if errors.As(err, &se) {
			return models.Connector{}, utils.Wrap(http.StatusBadGateway,
				fmt.Sprintf("Failed to get token: %d", se.Code), err)
		}
		return models.Connector{}, utils.Wrap(http.StatusBadGateway, "Failed to get token", err)
	}
	updated, err := t.cs.SetToken(conn.Name, tok)
	if err != nil {
		return models.Connector{}, err
	}
	t.mu.Lock()
	t.validated[conn.Name] = tok
	t.mu.Unlock()
	t.lg.Info("token refreshed", zap.String("connector", conn.Name), zap.String("portal", client.Portal()))
	return updated, nil
}

// Token returns a session for the enabled connector, refreshing its token
// when it is missing, expired or rejected by the portal.
func (t *Tokens) Token(ctx context.Context) (Session, error) {
	conn, err := t.cs.Enabled()
	if err != nil {
		if errors.Is(err, files.ErrNoEnabledConnector) {
			return Session{}, utils.Wrap(http.StatusNotFound, err.Error(), err)
		}
		return Session{}, err
	}
	client := t.Client(conn.CompanyPortal)

	if conn.AccessToken == "" {
		t.lg.Info("no token stored, creating one", zap.String("connector", conn.Name))
		return t.session(ctx, conn, client)
	}
	if exp, ok := biotime.TokenExpiry(conn.AccessToken); ok && !t.now().Before(exp) {
		t.lg.Info("token expired, refreshing", zap.String("connector", conn.Name), zap.Time("exp", exp))
		return t.session(ctx, conn, client)
	}

	t.mu.Lock()
	trusted := t.validated[conn.Name] == conn.AccessToken
	t.mu.Unlock()
	if trusted {
		return Session{Connector: conn, Client: client, Token: conn.AccessToken}, nil
	}

	switch err := client.Ping(ctx, conn.AccessToken); {
	case err == nil:
		t.mu.Lock()
		t.validated[conn.Name] = conn.AccessToken
		t.mu.Unlock()
		return Session{Connector: conn, Client: client, Token: conn.AccessToken}, nil
	case errors.Is(err, biotime.ErrUnauthorized):
		t.lg.Info("token rejected, refreshing", zap.String("connector", conn.Name))
		return t.session(ctx, conn, client)
	case errors.Is(err, biotime.ErrTimeout):
		return Session{}, utils.Wrap(http.StatusGatewayTimeout, "Request timeout while validating token", err)
	default:
		return Session{}, utils.Wrap(http.StatusBadGateway, "Failed to validate token", err)
	}
}

func (t *Tokens) session(ctx context.Context, conn models.Connector, client *biotime.Client) (Session, error) {
	updated, err := t.refresh(ctx, conn)
	if err != nil {
		return Session{}, err
	}
	return Session{Connector: updated, Client: client, Token: updated.AccessToken}, nil
}

// Invalidate makes the next Token call validate against the portal again.
func (t *Tokens) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.validated = map[string]string{}
}
