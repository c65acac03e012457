package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
)

// streamKeepAlive is how often an idle stream writes a comment line so
// proxies keep the connection open.
var streamKeepAlive = 25 * time.Second

// streamProject sends the full project as a server-sent event on connect and
// after every change. A deleted project ends the stream with a "deleted" event.
func streamProject(projects ProjectService, streams Subscriber, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := projectParam(c)
		if streams == nil {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: true, Message: "stream unavailable"})
		}
		ctx := c.Request().Context()
		ch, stop := streams.Subscribe(id)
		defer stop()

		p, err := projects.Get(ctx, id)
		if err != nil {
			return writeError(c, logger, "storage", err)
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)

		keepAlive := time.NewTicker(streamKeepAlive)
		defer keepAlive.Stop()
		for {
			if err := writeEvent(c, "", p); err != nil {
				logger.WithError(err).WithField("project", id).Debug("stream write failed")
				return nil
			}
			flusher.Flush()
		wait:
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-keepAlive.C:
					if _, err := c.Response().Write([]byte(": keep-alive\n\n")); err != nil {
						return nil
					}
					flusher.Flush()
				case <-ch:
					break wait
				}
			}
			p, err = projects.Get(ctx, id)
			if err != nil {
				var nf *domain.NotFoundError
				if errors.As(err, &nf) {
					_ = writeEvent(c, "deleted", map[string]string{"_id": id})
					flusher.Flush()
					return nil
				}
				if ctx.Err() != nil {
					return nil
				}
				logger.WithError(err).WithField("project", id).Error("stream refresh failed")
				return nil
			}
		}
	}
}

func writeEvent(c echo.Context, name string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	w := c.Response()
	if name != "" {
		if _, err := w.Write([]byte("event: " + name + "\n")); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
