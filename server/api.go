package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"

	ttsbridge "github.com/wolfeidau/tts-bridge"
	"github.com/wolfeidau/tts-bridge/artifact"
	"github.com/wolfeidau/tts-bridge/catalog"
	"github.com/wolfeidau/tts-bridge/store/metadb"
	"github.com/wolfeidau/tts-bridge/synth"
	"github.com/wolfeidau/tts-bridge/telemetry"
)

// Version is reported by get-server-info. Set at build time.
var Version = "dev"

type serverInfo struct {
	Version    string   `json:"version"`
	PublicURL  string   `json:"publicUrl"`
	BridgeURL  string   `json:"bridgeUrl"`
	Languages  []string `json:"languages"`
	Uptime     string   `json:"uptime"`
	Subscribed int      `json:"subscribers"`
	Token      any      `json:"token"`
}

// handleServerInfo reports versions and the credential state. With
// probe=true the stored token is checked against the hub.
func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "server_info")

	probe, _ := strconv.ParseBool(r.URL.Query().Get("probe"))
	status, err := s.orch.TokenStatus(r.Context(), probe)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeResult(w, serverInfo{
		Version:    Version,
		PublicURL:  s.config.PublicURL,
		BridgeURL:  s.config.BridgeURL,
		Languages:  synth.Languages,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Subscribed: s.bus.Len(),
		Token:      status,
	})
}

// handleRefreshToken runs a credential refresh and waits for it.
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "refresh_token")

	res, err := s.orch.Refresh(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, res)
}

type audioView struct {
	catalog.Entry
	URL string `json:"url"`
}

type audioListing struct {
	Total    int         `json:"total"`
	PageNum  int         `json:"pagenum"`
	PageSize int         `json:"pagesize"`
	List     []audioView `json:"list"`
}

func (s *Server) handleListAudio(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "audio_list")

	q := r.URL.Query()
	page := catalog.Page{}
	page.Num, _ = strconv.Atoi(q.Get("pagenum"))
	page.Size, _ = strconv.Atoi(q.Get("pagesize"))

	listing, err := s.audio.List(r.Context(), page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeResult(w, audioListing{
		Total:    listing.Total,
		PageNum:  listing.PageNum,
		PageSize: listing.PageSize,
		List: lo.Map(listing.List, func(e catalog.Entry, _ int) audioView {
			return audioView{Entry: e, URL: catalog.URLFor(s.config.PublicURL, artifact.TierDurable, e.Filename)}
		}),
	})
}

type createAudioRequest struct {
	Language string `json:"language"`
	Text     string `json:"text"`
	Label    string `json:"label"`
	Save     bool   `json:"save"`
}

type createAudioResponse struct {
	*catalog.Artifact
	URL string `json:"url"`
}

// handleCreateAudio synthesizes text. save=true stores it durably; otherwise
// it is a preview in the cache tier.
func (s *Server) handleCreateAudio(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "audio_create")

	var req createAudioRequest
	if err := decodeBody(r, "server.createAudio", &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	a, err := s.audio.Create(r.Context(), catalog.CreateRequest{
		Language: req.Language,
		Text:     req.Text,
		Label:    req.Label,
		Durable:  req.Save,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, createAudioResponse{Artifact: a, URL: a.URL(s.config.PublicURL)})
}

type saveAudioRequest struct {
	Filename string `json:"filename"`
	Label    string `json:"label"`
}

// handleSaveAudio keeps a previewed cache file.
func (s *Server) handleSaveAudio(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "audio_save")

	var req saveAudioRequest
	if err := decodeBody(r, "server.saveAudio", &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.audio.Promote(r.Context(), req.Filename, req.Label)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, s.recordView(rec))
}

type updateAudioRequest struct {
	ID    string `json:"id"`
	Label string `json:"label"`

	// Filename is what older clients send as the new display name.
	Filename string `json:"filename"`
}

func (s *Server) handleUpdateAudio(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "audio_update")

	var req updateAudioRequest
	if err := decodeBody(r, "server.updateAudio", &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.audio.Relabel(r.Context(), req.ID, lo.CoalesceOrEmpty(req.Label, req.Filename))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, s.recordView(rec))
}

func (s *Server) handleDeleteAudio(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "audio_delete")

	if err := s.audio.Delete(r.Context(), r.URL.Query().Get("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, nil)
}

func (s *Server) handleUnknownAPI(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "unknown")
	s.writeError(w, r, ttsbridge.Errorf(ttsbridge.KindInternal, "server", "no such endpoint: %s %s", r.Method, r.URL.Path))
}

type recordView struct {
	metadb.AudioRecord
	URL string `json:"url"`
}

func (s *Server) recordView(rec *metadb.AudioRecord) recordView {
	return recordView{AudioRecord: *rec, URL: catalog.URLFor(s.config.PublicURL, artifact.TierDurable, rec.Filename)}
}
