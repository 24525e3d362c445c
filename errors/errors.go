package errors

import (
	"encoding/json"
	"net/http"

	"github.com/vodforge/transcode-api/log"
)

type apiError struct {
	Msg    string `json:"message"`
	Status int    `json:"status"`
	Err    error  `json:"-"`
}

func writeHttpError(w http.ResponseWriter, msg string, status int, err error, extra map[string]interface{}) apiError {
	body := map[string]interface{}{"error": msg}
	if err != nil {
		body["error_detail"] = err.Error()
	}
	for k, v := range extra {
		body[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		log.LogNoVideoID("error writing HTTP error", "http_error_msg", msg, "error", encErr)
	}
	return apiError{msg, status, err}
}

// HTTP Errors
func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusBadRequest, err, nil)
}

// WriteHTTPIncompleteUpload is a 400 that also reports which chunk indices are
// still missing, capped by the caller for readability.
func WriteHTTPIncompleteUpload(w http.ResponseWriter, msg string, missing []int) apiError {
	return writeHttpError(w, msg, http.StatusBadRequest, nil, map[string]interface{}{"missingChunks": missing})
}

func WriteHTTPNotFound(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusNotFound, err, nil)
}

func WriteHTTPRequestEntityTooLarge(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusRequestEntityTooLarge, err, nil)
}

// WriteHTTPInsufficientStorage carries a retryable hint: the server has
// already attempted cleanup and the client may try again later.
func WriteHTTPInsufficientStorage(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusInsufficientStorage, err, map[string]interface{}{"retryable": true})
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusInternalServerError, err, nil)
}
