// Package linkapi serves the linking state machine over HTTP for the
// account service and its web front-end.
package linkapi

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"remindbot/internal/linking"
	logx "remindbot/pkg/logx"
)

// Linker is the subset of the linking service the API exposes.
type Linker interface {
	RequestCode(ctx context.Context, accountID string) (string, time.Time, error)
	ConfirmCode(ctx context.Context, code string, identity int64) (string, error)
	Status(ctx context.Context, accountID string) linking.Status
}

type Config struct {
	Addr string
}

type Server struct {
	app      *fiber.App
	cfg      Config
	linker   Linker
	log      logx.Logger
	validate *validator.Validate

	// OnLinked runs after a successful confirmation.
	OnLinked func(accountID string, identity int64)
}

func New(cfg Config, linker Linker, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8081"
	}
	s := &Server{cfg: cfg, linker: linker, log: log, validate: validator.New()}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             64 * 1024,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(s.requestLog)
	s.routes()
	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := s.app.Group("/api/link-telegram")
	api.Post("/", s.requestCode)
	api.Get("/status/", s.status)
	api.Post("/confirm/", s.confirm)
}

// Serve listens until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listen(s.cfg.Addr) }()
	s.log.Info("link api listening", logx.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.app.ShutdownWithContext(sctx)
	}
}

type linkRequest struct {
	AccountID string `json:"account_id" validate:"required,max=128"`
}

type confirmRequest struct {
	Code           string `json:"code" validate:"required,max=128"`
	TelegramUserID chatID `json:"telegram_user_id" validate:"required"`
}

// chatID accepts a JSON number or a numeric string.
type chatID int64

func (c *chatID) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		v, err := n.Int64()
		if err != nil {
			return err
		}
		*c = chatID(v)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
	if err != nil {
		return err
	}
	*c = chatID(v)
	return nil
}

func (s *Server) bind(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := s.validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fiber.NewError(fiber.StatusBadRequest, strings.ToLower(verrs[0].Field())+" is "+verrs[0].Tag())
		}
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

func (s *Server) requestCode(c *fiber.Ctx) error {
	var req linkRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	code, expiresAt, err := s.linker.RequestCode(c.UserContext(), req.AccountID)
	switch {
	case errors.Is(err, linking.ErrAlreadyLinked):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, linking.ErrRateLimited):
		return fiber.NewError(fiber.StatusTooManyRequests, err.Error())
	case err != nil:
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"code":       code,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) status(c *fiber.Ctx) error {
	accountID := strings.TrimSpace(c.Query("account_id"))
	if accountID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "account_id is required")
	}
	return c.JSON(fiber.Map{"status": string(s.linker.Status(c.UserContext(), accountID))})
}

func (s *Server) confirm(c *fiber.Ctx) error {
	var req confirmRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	identity := int64(req.TelegramUserID)
	accountID, err := s.linker.ConfirmCode(c.UserContext(), req.Code, identity)
	if err != nil {
		if errors.Is(err, linking.ErrCodeExpired) || errors.Is(err, linking.ErrCodeNotFound) || errors.Is(err, linking.ErrAlreadyLinked) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return err
	}
	if s.OnLinked != nil {
		s.OnLinked(accountID, identity)
	}
	return c.JSON(fiber.Map{"status": "linked", "account_id": accountID})
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	detail := "internal error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		detail = fe.Message
	} else {
		s.log.Error("link api request failed", logx.String("path", c.Path()), logx.Err(err))
	}
	return c.Status(code).JSON(fiber.Map{"status": "error", "detail": detail})
}

func (s *Server) requestLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	fields := []logx.Field{
		logx.String("method", c.Method()),
		logx.String("path", c.Path()),
		logx.Duration("dur", time.Since(start)),
	}
	if err != nil {
		fields = append(fields, logx.Err(err))
	} else {
		fields = append(fields, logx.Int("status", c.Response().StatusCode()))
	}
	s.log.Debug("http request", fields...)
	return err
}
