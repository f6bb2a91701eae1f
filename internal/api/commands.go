package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/bridges/gira"
)

// commandTimeout bounds the broadcast of one HTTP command.
const commandTimeout = 10 * time.Second

// confirmAttempts is the retry budget of confirmed commands.
const confirmAttempts = 2

// commandResponse reports the outcome of a command.
type commandResponse struct {
	Ack   *gira.Ack      `json:"ack,omitempty"`
	Error *gira.AckError `json:"error,omitempty"`
}

// handleCommand issues a command to a device.
//
// The body has the shape of the MQTT command message:
//
//	{"command": "set_position", "parameters": {"position": 40}, "confirm": true}
//
// Without confirm the response is 202 once the broadcast has been accepted.
// With confirm it is 200 once the device reported a state change, or 504
// carrying the last ack if it did not.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	mac, ok := macParam(w, r)
	if !ok {
		return
	}

	var msg gira.CommandMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	cmd, err := msg.ToCommand()
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	timeout := commandTimeout
	if msg.Confirm {
		timeout += s.confirmWindow * confirmAttempts
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var ack gira.Ack
	if msg.Confirm {
		ack, err = s.dispatcher.IssueConfirmed(ctx, s.events, mac, cmd, s.confirmWindow,
			gira.FixedRetry{Attempts: confirmAttempts})
	} else {
		ack, err = s.dispatcher.Issue(ctx, mac, cmd)
	}

	p, _ := principalFrom(r.Context())
	if err != nil {
		var ce *gira.CommandError
		if !errors.As(err, &ce) {
			writeInternalError(w, "command failed")
			return
		}
		s.logger.Warn("API command failed",
			"mac", mac.String(), "intent", cmd.Intent, "code", ce.Code, "subject", p.Subject, "error", err)
		resp := commandResponse{Error: &gira.AckError{Code: ce.Code, Message: err.Error()}}
		if ce.Code == gira.CodeNotConfirmed {
			resp.Ack = &ack
		}
		writeJSON(w, commandStatus(ce.Code), resp)
		return
	}

	s.logger.Info("API command issued",
		"mac", mac.String(), "intent", cmd.Intent, "status", ack.Status, "subject", p.Subject)
	status := http.StatusAccepted
	if ack.Status == gira.AckConfirmed {
		status = http.StatusOK
	}
	writeJSON(w, status, commandResponse{Ack: &ack})
}
