package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/samber/lo"

	ttsbridge "github.com/wolfeidau/tts-bridge"
	"github.com/wolfeidau/tts-bridge/bridge"
	"github.com/wolfeidau/tts-bridge/catalog"
	"github.com/wolfeidau/tts-bridge/telemetry"
)

type directiveRequest struct {
	Directive bridge.Message[json.RawMessage] `json:"directive"`
}

type synthesizePayload struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Label    string `json:"label"`
}

type audioListPayload struct {
	AudioList []bridge.AudioItem `json:"audio_list"`
}

type audioPayload struct {
	Audio bridge.AudioItem `json:"audio"`
}

// handleCallback answers directives sent by the hub to the registered
// speech engine. Failures are reported in an ErrorResponse envelope.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req directiveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		telemetry.SetEndpoint(r, "invalid")
		s.replyError(w, r, bridge.Header{}, bridge.ErrorInvalidDirective, "malformed directive: "+err.Error())
		return
	}

	hdr := req.Directive.Header
	telemetry.SetEndpoint(r, hdr.Name)

	switch hdr.Name {
	case bridge.DirectiveSyncAudioList:
		items, err := s.audio.SyncList(r.Context(), s.config.PublicURL)
		if err != nil {
			s.replyFailure(w, r, hdr, err)
			return
		}
		s.reply(w, hdr, audioListPayload{AudioList: items})

	case bridge.DirectiveSynthesize:
		var p synthesizePayload
		if len(req.Directive.Payload) > 0 {
			if err := json.Unmarshal(req.Directive.Payload, &p); err != nil {
				s.replyError(w, r, hdr, bridge.ErrorInvalidParameters, "malformed payload: "+err.Error())
				return
			}
		}
		a, err := s.audio.Create(r.Context(), catalog.CreateRequest{
			Language: lo.CoalesceOrEmpty(p.Language, s.config.DefaultLanguage),
			Text:     p.Text,
			Label:    p.Label,
			Durable:  true,
		})
		if err != nil {
			s.replyFailure(w, r, hdr, err)
			return
		}
		s.reply(w, hdr, audioPayload{Audio: bridge.AudioItem{
			URL:   a.URL(s.config.PublicURL),
			Label: a.Record.Label,
		}})

	default:
		s.replyError(w, r, hdr, bridge.ErrorInvalidDirective, "unsupported directive: "+hdr.Name)
	}
}

func responseHeader(name string, req bridge.Header) bridge.Header {
	return bridge.Header{Name: name, MessageID: req.MessageID, Version: bridge.EnvelopeVersion}
}

func (s *Server) reply(w http.ResponseWriter, req bridge.Header, payload any) {
	writeJSON(w, http.StatusOK, bridge.Message[any]{
		Header:  responseHeader(bridge.HeaderResponse, req),
		Payload: payload,
	})
}

func (s *Server) replyFailure(w http.ResponseWriter, r *http.Request, req bridge.Header, err error) {
	kind := ttsbridge.KindOf(err)
	telemetry.SetErrorCode(r, kind.Code())

	errType := bridge.ErrorInternal
	switch kind {
	case ttsbridge.KindMissingRequiredField, ttsbridge.KindUnsupportedLanguage:
		errType = bridge.ErrorInvalidParameters
	}
	s.replyError(w, r, req, errType, err.Error())
}

func (s *Server) replyError(w http.ResponseWriter, r *http.Request, req bridge.Header, errType, description string) {
	s.logger.Warn("directive failed",
		"directive", req.Name,
		"message_id", req.MessageID,
		"type", errType,
		"description", description,
	)
	writeJSON(w, http.StatusOK, bridge.Message[bridge.ErrorPayload]{
		Header:  responseHeader(bridge.HeaderErrorResponse, req),
		Payload: bridge.ErrorPayload{Type: errType, Description: description},
	})
}
