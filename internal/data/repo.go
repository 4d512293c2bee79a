// Package data implements the biz repositories on memory and sqlite.
package data

import (
	"fmt"

	"oidc-demo/internal/biz"
	"oidc-demo/internal/conf"
)

// NewSessionRepo creates the session repo selected by cfg.Driver.
func NewSessionRepo(cfg conf.Session) (biz.SessionRepo, error) {
	switch cfg.Driver {
	case conf.SessionDriverMemory, "":
		return NewMemorySessionRepo(cfg.TTL), nil
	case conf.SessionDriverSQLite:
		return NewSQLiteSessionRepo(cfg.Path, cfg.TTL)
	default:
		return nil, fmt.Errorf("unknown session driver %q", cfg.Driver)
	}
}
