package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/asistencia/signaling-relay/internal/config"
	"github.com/asistencia/signaling-relay/internal/origin"
)

const maxTURNRESTTTLSeconds = 24 * 60 * 60

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, origin.Wildcard) {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxRoomParticipants <= 0 {
		logger.Warn("startup security warning: MAX_ROOM_PARTICIPANTS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_room_participants_unlimited_in_prod",
			"max_room_participants", cfg.MaxRoomParticipants,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (weakens oversized frame protection)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && cfg.TURNREST.TTLSeconds > maxTURNRESTTTLSeconds {
		logger.Warn("startup security warning: TURN_REST_TTL_SECONDS exceeds one day (leaked TURN credentials stay valid longer)",
			"warning_code", "turn_rest_ttl_long",
			"turn_rest_ttl_seconds", cfg.TURNREST.TTLSeconds,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && urlScheme(cfg.PublicBaseURL) == "http" {
		logger.Warn("startup security warning: SIGNALING_RELAY_PUBLIC_BASE_URL uses plain http while --mode=prod",
			"warning_code", "public_base_url_insecure",
			"public_base_url_host", safeURLHost(cfg.PublicBaseURL),
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func urlScheme(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
