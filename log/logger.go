package log

import (
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/patrickmn/go-cache"
)

var loggerCache *cache.Cache

const defaultLoggerCacheExpiry = 6 * time.Hour

func init() {
	loggerCache = cache.New(defaultLoggerCacheExpiry, 10*time.Minute)
}

// AddContext permanently attaches key-value context to the logger for a video
// ID. Any future logging for this video will include it.
func AddContext(videoID string, keyvals ...interface{}) {
	_ = loggerCache.Add(videoID, kitlog.With(getLogger(videoID), keyvals...), defaultLoggerCacheExpiry)
}

func Log(videoID string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(videoID), "msg", message).Log(keyvals...)
}

// LogNoVideoID logs in situations where no video is in scope. Should be used
// sparingly and with as much context in the message as possible.
func LogNoVideoID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(keyvals...)
}

func LogError(videoID string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(videoID), "msg", message)
	errLogger := kitlog.With(msgLogger, "err", err.Error())
	_ = errLogger.Log(keyvals...)
}

func getLogger(videoID string) kitlog.Logger {
	logger, found := loggerCache.Get(videoID)
	if found {
		return logger.(kitlog.Logger)
	}

	withID := kitlog.With(newLogger(), "video_id", videoID)
	if err := loggerCache.Add(videoID, withID, defaultLoggerCacheExpiry); err != nil {
		_ = withID.Log("msg", "error adding logger to cache", "video_id", videoID)
	}
	return withID
}

func newLogger() kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)
}
