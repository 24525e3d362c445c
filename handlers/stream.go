package handlers

import (
	"net/http"
	"os"
	"strings"

	"github.com/julienschmidt/httprouter"

	apierrors "github.com/vodforge/transcode-api/errors"
	"github.com/vodforge/transcode-api/video"
)

// ServeStream serves encoder output straight off disk. Playlists and
// segments are the only two file kinds under the transcoded tree; anything
// else is a 404 regardless of what is on disk.
func (d *TranscodeAPIHandlersCollection) ServeStream() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		videoID := params.ByName("id")
		res := video.Resolution(params.ByName("res"))
		filename := params.ByName("file")

		if !res.IsValid() {
			apierrors.WriteHTTPNotFound(w, "Unknown resolution", nil)
			return
		}
		var contentType string
		switch {
		case filename == "playlist.m3u8":
			contentType = "application/vnd.apple.mpegurl"
		case strings.HasSuffix(filename, ".ts"):
			contentType = "video/mp2t"
		default:
			apierrors.WriteHTTPNotFound(w, "File not found", nil)
			return
		}

		path, err := d.Layout.SegmentPath(videoID, res, filename)
		if err != nil {
			apierrors.WriteHTTPNotFound(w, "File not found", err)
			return
		}
		if _, err := os.Stat(path); err != nil {
			apierrors.WriteHTTPNotFound(w, "File not found", err)
			return
		}

		w.Header().Set("Content-Type", contentType)
		http.ServeFile(w, req, path)
	}
}
