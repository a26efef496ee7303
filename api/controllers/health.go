package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/talentbase/talentbase-backend/api/responses"
	"github.com/talentbase/talentbase-backend/pkg/bigquery"
	"github.com/talentbase/talentbase-backend/pkg/config"
	"github.com/talentbase/talentbase-backend/pkg/db"
	pkgerrors "github.com/talentbase/talentbase-backend/pkg/errors"
	"github.com/talentbase/talentbase-backend/pkg/logger"
	"github.com/talentbase/talentbase-backend/pkg/redis"
)

const envHeader = "X-TalentBase-Env"

const readinessTimeout = 3 * time.Second

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings the hard dependencies. BigQuery is optional; the events
// worker owns that connection, not the API.
func HealthReady(cfg *config.Config, logg *logger.Logger, dbP db.Pinger, redisP redis.Pinger, bqP bigquery.Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		checks := map[string]string{}
		failed := false

		check := func(name string, ping func(context.Context) error) {
			if err := ping(ctx); err != nil {
				checks[name] = "unavailable"
				failed = true
				if logg != nil {
					logg.Error(ctx, "readiness check failed: "+name, err)
				}
				return
			}
			checks[name] = "ok"
		}

		if dbP != nil {
			check("database", dbP.Ping)
		}
		if redisP != nil {
			check("redis", redisP.Ping)
		}
		if bqP != nil {
			check("bigquery", bqP.Ping)
		}

		if failed {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeDependency, "dependencies unavailable").WithDetails(checks))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
