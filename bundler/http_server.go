package bundler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

type httpError struct {
	Error string `json:"error"`
	Class string `json:"class"`
}

// errorClass maps the rejection taxonomy onto a stable string for clients.
func errorClass(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, mempool.ErrEntityBanned), errors.Is(err, mempool.ErrEntityThrottled):
		return "reputation"
	case errors.Is(err, mempool.ErrPoolFull), errors.Is(err, mempool.ErrReplacementFeeTooLow):
		return "capacity"
	default:
		return "internal"
	}
}

func (b *Bundler) startHttpServer(ctx context.Context) {
	if b.config.HttpBindAddress == "" {
		b.logger.Info("http server disabled: no http_bind_address configured")
		return
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())

	// Sentry sits before Recover so panics are reported.
	if b.config.SentryDsn != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic:         true,
			WaitForDelivery: false,
		}))
	}
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		if b.status == runningStatus {
			return c.String(http.StatusOK, "up")
		}
		return c.String(http.StatusServiceUnavailable, string(b.status))
	})

	e.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[map[string]interface{}]{
			Data: map[string]interface{}{
				"pool_size":   b.pool.Count(),
				"inflight":    b.inflightCount(),
				"entrypoint":  b.config.EntryPoint.Hex(),
				"beneficiary": b.config.Beneficiary.Hex(),
			},
		})
	})

	e.GET("/reputation", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[[]reputation.Score]{
			Data: b.rep.Dump(),
		})
	})

	e.GET("/entrypoints", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[[]common.Address]{
			Data: b.SupportedEntryPoints(),
		})
	})

	e.POST("/userop", func(c echo.Context) error {
		var op userop.UserOperation
		if err := c.Bind(&op); err != nil {
			return c.JSON(http.StatusBadRequest, &httpError{Error: err.Error(), Class: "validation"})
		}

		hash, err := b.SubmitOperation(c.Request().Context(), &op)
		if err != nil {
			status := http.StatusBadRequest
			if errorClass(err) == "internal" {
				status = http.StatusServiceUnavailable
			}
			return c.JSON(status, &httpError{Error: err.Error(), Class: errorClass(err)})
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[string]{Data: hash.Hex()})
	})

	e.POST("/userop/estimate", func(c echo.Context) error {
		var op userop.UserOperation
		if err := c.Bind(&op); err != nil {
			return c.JSON(http.StatusBadRequest, &httpError{Error: err.Error(), Class: "validation"})
		}

		est, err := b.EstimateGas(c.Request().Context(), &op)
		if err != nil {
			return c.JSON(http.StatusBadRequest, &httpError{Error: err.Error(), Class: "validation"})
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[map[string]string]{
			Data: map[string]string{
				"preVerificationGas":   est.PreVerificationGas.String(),
				"verificationGasLimit": est.VerificationGasLimit.String(),
				"callGasLimit":         est.CallGasLimit.String(),
			},
		})
	})

	e.GET("/userop/:hash", func(c echo.Context) error {
		status, err := b.GetOperationStatus(c.Request().Context(), common.HexToHash(c.Param("hash")))
		if err != nil {
			return c.JSON(http.StatusInternalServerError, &httpError{Error: err.Error(), Class: "internal"})
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[*OpStatus]{Data: status})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})))

	b.httpServer = e
	if err := e.Start(b.config.HttpBindAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
		b.logger.Errorf("http server stopped: %v", err)
	}
}

func (b *Bundler) stopHttpServer() {
	if b.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.httpServer.Shutdown(ctx); err != nil {
		b.logger.Errorf("http server shutdown: %v", err)
	}
}
