package webapp

import (
	"net/http"
	"time"

	"fraud-sentinel/internal/app"
)

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	schemaVersion, _ := s.rt.Store.GetSchemaMetaValue(r.Context(), "schema_version")
	canonicalization, _ := s.rt.Store.GetSchemaMetaValue(r.Context(), "canonicalization")

	corpusInfo := map[string]any{"degraded": true}
	if c, err := s.rt.Matcher.Corpus(r.Context()); err == nil && c != nil {
		corpusInfo = map[string]any{
			"degraded":     false,
			"path":         c.SourcePath,
			"version":      c.Version,
			"last_updated": c.LastUpdated,
			"categories":   len(c.Categories),
			"keywords":     c.KeywordCount(),
			"sha256":       c.SourceSHA256,
		}
	} else if err != nil {
		corpusInfo["error"] = err.Error()
	}

	cfg := s.rt.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Unix(),
		"app": map[string]any{
			"version":    app.Version,
			"commit":     app.Commit,
			"build_time": app.BuildTime,
		},
		"db": map[string]any{
			"schema_version":   schemaVersion,
			"canonicalization": canonicalization,
			"path":             cfg.DBPath,
		},
		"corpus": corpusInfo,
		"collection": map[string]any{
			"window_seconds":     cfg.CollectionWindow.Seconds(),
			"tick_seconds":       cfg.CollectionTick.Seconds(),
			"message_pull_limit": cfg.MessagePullLimit,
			"encrypted":          s.rt.Sealer != nil,
			"device":             s.rt.Device != nil,
		},
		"retention": map[string]any{
			"days":         cfg.RetentionDays,
			"warning_days": cfg.RetentionWarningDays,
		},
		"privacy_mode": s.opts.Privacy,
		"ws":           s.hub.Stats(),
	})
}
