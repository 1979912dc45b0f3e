package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"focuslock/internal/domain"
	"focuslock/internal/engine"
	"focuslock/internal/monitor"
	"focuslock/internal/repo"
	"focuslock/internal/unlock"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Monitor  *monitor.Monitor
	Unlock   *unlock.Service
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"session_active"`
	Message string         `json:"message" example:"a session is already active"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the focuslock control API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Focuslock API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerSession(group, cfg.Engine)
	registerForeground(group, cfg.Monitor)
	registerSchedules(group, cfg.Engine)
	registerWhitelist(group, cfg.Engine)
	registerUnlock(group, cfg.Engine, cfg.Unlock)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrSessionActive):
		return newAPIError(http.StatusConflict, "session_active", err.Error(), nil)
	case errors.Is(err, engine.ErrNoSession):
		return newAPIError(http.StatusConflict, "no_session", err.Error(), nil)
	case errors.Is(err, unlock.ErrNoPIN):
		return newAPIError(http.StatusConflict, "no_pin", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "quota"):
		return newAPIError(http.StatusUnprocessableEntity, "quota_exceeded", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "require") ||
		strings.Contains(lowered, "must") || strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "out of range"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func sessionStatus(ctx context.Context, e *engine.Engine) (SessionStatusResponse, error) {
	st, err := e.CheckExpiryOrRestart(ctx)
	if err != nil {
		return SessionStatusResponse{}, err
	}
	switch st.Action {
	case engine.ActionContinue:
		return SessionStatusResponse{
			Locked:      true,
			Source:      st.Session.Source,
			StartTime:   st.Session.StartTime,
			EndTime:     st.Session.EndTime,
			RemainingMS: st.Remaining.Milliseconds(),
		}, nil
	case engine.ActionForceEnd:
		return SessionStatusResponse{ForceEnded: true, Reason: st.Reason}, nil
	default:
		return SessionStatusResponse{}, nil
	}
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Enforcement status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		session, err := sessionStatus(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		schedules, err := e.Repo.ListSchedules(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		count, err := e.Repo.CountWhitelist(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Session:        session,
			Schedules:      len(schedules),
			WhitelistCount: count,
			WhitelistMax:   e.Config.Enforcement.MaxWhitelistedApps,
		}}, nil
	})
}

func registerSession(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/session/start",
		Summary:       "Start a focus session",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.StartSession(ctx, time.Duration(input.Body.DurationMinutes)*time.Minute, input.Body.Source, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-session",
		Method:      http.MethodPost,
		Path:        "/session/end",
		Summary:     "End the active session",
	}, func(ctx context.Context, input *struct {
		Body EndSessionRequest
	}) (*struct {
		Body SessionStatusResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.EndSession(ctx, input.Body.Completed, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionStatusResponse `json:"body"`
		}{Body: SessionStatusResponse{}}, nil
	})
}

func registerForeground(api huma.API, m *monitor.Monitor) {
	huma.Register(api, huma.Operation{
		OperationID: "foreground-event",
		Method:      http.MethodPost,
		Path:        "/foreground",
		Summary:     "Report a foreground app change",
	}, func(ctx context.Context, input *struct {
		Body ForegroundRequest
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.PackageID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "package_id required", nil)
		}
		var ts time.Time
		if input.Body.Timestamp > 0 {
			ts = time.UnixMilli(input.Body.Timestamp)
		}
		out, err := m.HandleEvent(ctx, input.Body.PackageID, ts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: OutcomeResponse{
			Ignored:   out.Ignored,
			Debounced: out.Debounced,
			Verdict:   out.Verdict,
			Rule:      out.Rule,
		}}, nil
	})
}

func registerSchedules(api huma.API, e *engine.Engine) {
	type schedulePath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-schedules",
		Method:      http.MethodGet,
		Path:        "/schedules",
		Summary:     "List schedules",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Schedule `json:"body"`
	}, error) {
		items, err := e.Repo.ListSchedules(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Schedule `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-schedule",
		Method:        http.MethodPost,
		Path:          "/schedules",
		Summary:       "Create schedule",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body ScheduleRequest
	}) (*struct {
		Body domain.Schedule `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tmpl, err := scheduleFromRequest(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.CreateSchedule(ctx, engine.ScheduleOptions{
			Name:             tmpl.Name,
			StartHour:        tmpl.StartHour,
			StartMinute:      tmpl.StartMinute,
			DurationMinutes:  tmpl.DurationMinutes,
			RepeatType:       tmpl.RepeatType,
			RepeatDays:       tmpl.RepeatDays,
			PreNotifyMinutes: tmpl.PreNotifyMinutes,
			Enabled:          tmpl.Enabled,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Schedule `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/schedules/{id}",
		Summary:     "Get schedule",
	}, func(ctx context.Context, input *schedulePath) (*struct {
		Body domain.Schedule `json:"body"`
	}, error) {
		s, err := e.Repo.GetSchedule(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Schedule `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-schedule",
		Method:      http.MethodPut,
		Path:        "/schedules/{id}",
		Summary:     "Update schedule",
	}, func(ctx context.Context, input *struct {
		schedulePath
		Body ScheduleRequest
	}) (*struct {
		Body domain.Schedule `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		existing, err := e.Repo.GetSchedule(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		updated, err := scheduleFromRequest(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		updated.ID = existing.ID
		updated.CreatedAt = existing.CreatedAt
		s, err := e.UpdateSchedule(ctx, updated, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Schedule `json:"body"`
		}{Body: s}, nil
	})

	for _, op := range []struct {
		id      string
		path    string
		summary string
		enabled bool
	}{
		{"enable-schedule", "/schedules/{id}/enable", "Enable schedule", true},
		{"disable-schedule", "/schedules/{id}/disable", "Disable schedule", false},
	} {
		enabled := op.enabled
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
		}, func(ctx context.Context, input *schedulePath) (*struct {
			Body domain.Schedule `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := e.SetScheduleEnabled(ctx, input.ID, enabled, actorID); err != nil {
				return nil, handleError(err)
			}
			s, err := e.Repo.GetSchedule(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Schedule `json:"body"`
			}{Body: s}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "delete-schedule",
		Method:        http.MethodDelete,
		Path:          "/schedules/{id}",
		Summary:       "Delete schedule",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *schedulePath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteSchedule(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerWhitelist(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-whitelist",
		Method:      http.MethodGet,
		Path:        "/whitelist",
		Summary:     "List whitelisted apps",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.WhitelistEntry `json:"body"`
	}, error) {
		items, err := e.Repo.ListWhitelist(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WhitelistEntry `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-whitelist",
		Method:        http.MethodPost,
		Path:          "/whitelist",
		Summary:       "Whitelist an app",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body WhitelistRequest
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AddWhitelisted(ctx, input.Body.PackageID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-whitelist",
		Method:        http.MethodDelete,
		Path:          "/whitelist/{package_id}",
		Summary:       "Remove an app from the whitelist",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		PackageID string `path:"package_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveWhitelisted(ctx, input.PackageID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-default-apps",
		Method:      http.MethodGet,
		Path:        "/defaults",
		Summary:     "List default app states",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.DefaultAppState `json:"body"`
	}, error) {
		items, err := e.Repo.ListDefaultAppStates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DefaultAppState `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-default-app",
		Method:      http.MethodPost,
		Path:        "/defaults",
		Summary:     "Enable or disable a default app",
	}, func(ctx context.Context, input *struct {
		Body DefaultAppRequest
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetDefaultAppEnabled(ctx, input.Body.PackageID, input.Body.Enabled, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerUnlock(api huma.API, e *engine.Engine, u *unlock.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "check-pin",
		Method:      http.MethodPost,
		Path:        "/unlock/pin",
		Summary:     "Check the unlock PIN",
	}, func(ctx context.Context, input *struct {
		Body PINCheckRequest
	}) (*struct {
		Body ValidResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ok, err := u.CheckPIN(ctx, input.Body.PIN)
		if err != nil {
			return nil, handleError(err)
		}
		if ok {
			if err := e.EndSession(ctx, false, actorID); err != nil && !errors.Is(err, engine.ErrNoSession) {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body ValidResponse `json:"body"`
		}{Body: ValidResponse{Valid: ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-code",
		Method:      http.MethodPost,
		Path:        "/unlock/code/request",
		Summary:     "Generate and deliver a one-time unlock code",
	}, func(ctx context.Context, input *struct {
		Body CodeRequestRequest
	}) (*struct {
		Body DeliveredResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		delivered, err := u.RequestDelivery(ctx, input.Body.Destination, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliveredResponse `json:"body"`
		}{Body: DeliveredResponse{Delivered: delivered}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-code",
		Method:      http.MethodPost,
		Path:        "/unlock/code/validate",
		Summary:     "Validate a one-time unlock code",
	}, func(ctx context.Context, input *struct {
		Body CodeValidateRequest
	}) (*struct {
		Body ValidResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ok, err := u.ValidateCode(ctx, input.Body.Code, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if ok {
			// Remote unlock ends the session early; not a completed session.
			if err := e.EndSession(ctx, false, actorID); err != nil && !errors.Is(err, engine.ErrNoSession) {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body ValidResponse `json:"body"`
		}{Body: ValidResponse{Valid: ok}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event log",
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit" default:"50"`
		Type  string `query:"type"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx, input.Limit, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		actorID := input.Body.ActorID
		if actorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id required", nil)
		}
		rawKey := uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: actorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(rawKey),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     rawKey,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
