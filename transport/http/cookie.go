package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/logging"
	"github.com/layer-3/sigil/ports"
)

// SessionCookieName is the cookie carrying the sealed session
const SessionCookieName = "sigil_session"

// CookieConfig configures the session cookie
type CookieConfig struct {
	Secure bool
	MaxAge time.Duration
}

// Jars builds per-request session jars backed by the session cookie
type Jars struct {
	codec     ports.SessionCodec
	configErr error
	cfg       CookieConfig
	logger    logging.Logger
}

// NewJars creates a jar factory. codec may be nil, in which case configErr is returned
// by every Save and sessions always load empty.
func NewJars(codec ports.SessionCodec, configErr error, cfg CookieConfig, logger logging.Logger) *Jars {
	if codec == nil && configErr == nil {
		configErr = &core.ConfigError{Field: "session_secret", Reason: "is required"}
	}
	return &Jars{
		codec:     codec,
		configErr: configErr,
		cfg:       cfg,
		logger:    logger,
	}
}

// For returns the jar of the request in c
func (j *Jars) For(c *gin.Context) ports.SessionJar {
	return &cookieJar{jars: j, c: c}
}

type cookieJar struct {
	jars *Jars
	c    *gin.Context
}

func (j *cookieJar) Load() *core.AuthSession {
	if j.jars.codec == nil {
		return &core.AuthSession{}
	}

	value, err := j.c.Cookie(SessionCookieName)
	if err != nil || value == "" {
		return &core.AuthSession{}
	}

	session, err := j.jars.codec.Decode(value)
	if err != nil {
		j.jars.logger.WithError(err).Debug("Discarding unreadable session cookie")
		return &core.AuthSession{}
	}
	return session
}

func (j *cookieJar) Save(session *core.AuthSession) error {
	if j.jars.configErr != nil {
		return j.jars.configErr
	}

	value, err := j.jars.codec.Encode(session)
	if err != nil {
		return err
	}
	j.set(value, int(j.jars.cfg.MaxAge.Seconds()))
	return nil
}

func (j *cookieJar) Destroy() {
	j.set("", -1)
}

func (j *cookieJar) set(value string, maxAge int) {
	j.c.SetSameSite(http.SameSiteStrictMode)
	j.c.SetCookie(SessionCookieName, value, maxAge, "/", "", j.jars.cfg.Secure, true)
}
