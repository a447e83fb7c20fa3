package api

import (
	"net/http"
	"time"

	"github.com/powerblockade/powerblockade/internal/blocking"
)

type blockingStatusView struct {
	State       string     `json:"state"`
	Active      bool       `json:"active"`
	PausedUntil *time.Time `json:"paused_until,omitempty"`
}

func blockingView(st blocking.Status) blockingStatusView {
	return blockingStatusView{State: string(st.State), Active: st.Active, PausedUntil: st.PausedUntil}
}

// HandleBlockingStatus reports the current blocking state.
func HandleBlockingStatus(c *blocking.Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, err := c.Current()
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, blockingView(st))
	})
}

// HandleBlockingEnable re-enables blocking and requests a recompile.
func HandleBlockingEnable(c *blocking.Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := c.Enable(); err != nil {
			writeInternal(w, err)
			return
		}
		st, err := c.Current()
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, blockingView(st))
	})
}

// HandleBlockingDisable disables blocking; the empty zone is written before
// this returns.
func HandleBlockingDisable(c *blocking.Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := c.Disable(); err != nil {
			writeInternal(w, err)
			return
		}
		st, err := c.Current()
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, blockingView(st))
	})
}

type pauseRequest struct {
	Minutes int `json:"minutes"`
}

// HandleBlockingPause pauses blocking for 1..1440 minutes.
func HandleBlockingPause(c *blocking.Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req pauseRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		until, err := c.Pause(req.Minutes)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"state":        string(blocking.StatePaused),
			"active":       false,
			"paused_until": until,
		})
	})
}
