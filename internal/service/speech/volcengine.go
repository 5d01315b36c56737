package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voice-agent/backend/internal/apperr"
	"github.com/zhouzirui/voice-agent/backend/internal/config"
)

const volcengineEndpoint = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

// Volcengine 火山引擎单向流式 TTS。
type Volcengine struct {
	appID        string
	accessToken  string
	defaultVoice string
	language     string
	speed        float32
	volume       float32
	endpoint     string
	dialer       *websocket.Dialer
}

// NewVolcengine 创建火山引擎 TTS 后端
func NewVolcengine(cfg config.SpeechConfig) *Volcengine {
	return &Volcengine{
		appID:        strings.TrimSpace(cfg.AppID),
		accessToken:  strings.TrimSpace(cfg.AccessToken),
		defaultVoice: strings.TrimSpace(cfg.TTSVoice),
		language:     strings.TrimSpace(cfg.TTSLanguage),
		speed:        cfg.TTSSpeed,
		volume:       cfg.TTSVolume,
		endpoint:     volcengineEndpoint,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 3 * time.Second,
		},
	}
}

func (v *Volcengine) Name() string { return "volcengine" }

type volcengineServerMessage struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
}

type volcengineRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string                `json:"speaker"`
		Text        string                `json:"text"`
		AudioParams volcengineAudioParams `json:"audio_params"`
		Language    string                `json:"language,omitempty"`
	} `json:"req_params"`
}

type volcengineAudioParams struct {
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	SpeedRatio  float32 `json:"speed_ratio,omitempty"`
	VolumeRatio float32 `json:"volume_ratio,omitempty"`
}

// Stream tries each speaker/resource pairing until one is accepted. The first
// audio chunk is awaited synchronously so failures surface before any bytes
// are handed to the caller.
func (v *Volcengine) Stream(ctx context.Context, req Request) (io.ReadCloser, string, error) {
	const op = "volcengine.stream"

	if v.appID == "" || v.accessToken == "" {
		return nil, "", apperr.Configuration(op, "MISSING_CREDENTIALS", "火山引擎语音配置缺少 AppID 或 AccessToken")
	}

	speakers := speakerCandidates(req.Voice, v.defaultVoice)
	var lastMismatch error

	for speakerIdx, speaker := range speakers {
		for resourceIdx, resource := range resourceCandidates(speaker) {
			body, err := v.open(ctx, req, speaker, resource)
			if err == nil {
				if speakerIdx > 0 || resourceIdx > 0 {
					slog.Info("volcengine tts fallback pairing accepted", "speaker", speaker, "resource", resource)
				}
				return body, "mp3", nil
			}
			if isResourceMismatch(err) {
				slog.Debug("volcengine tts resource mismatch", "speaker", speaker, "resource", resource, "error", err)
				lastMismatch = err
				continue
			}
			return nil, "", err
		}
	}

	if lastMismatch != nil {
		return nil, "", lastMismatch
	}
	return nil, "", apperr.Upstream(op, "NO_SPEAKER", 0, fmt.Sprintf("no compatible resource for speakers %v", speakers), nil)
}

func (v *Volcengine) open(ctx context.Context, req Request, speaker, resource string) (io.ReadCloser, error) {
	const op = "volcengine.stream"

	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", v.appID)
	header.Set("X-Api-Access-Key", v.accessToken)
	header.Set("X-Api-Resource-Id", resource)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := v.dialer.DialContext(ctx, v.endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, apperr.Upstream(op, "DIAL", status, "connect to tts websocket", err)
	}
	if resp != nil {
		slog.Debug("volcengine tts connected", "logid", resp.Header.Get("X-Tt-Logid"), "connect_id", connectID)
	}

	// 调用方放弃请求时立即断开连接
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	fail := func(err error) (io.ReadCloser, error) {
		stop()
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	payload, err := json.Marshal(v.buildRequest(req, speaker))
	if err != nil {
		return fail(fmt.Errorf("marshal tts request: %w", err))
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeClientRequest(payload)); err != nil {
		return fail(apperr.Upstream(op, "WRITE", 0, "send tts request", err))
	}

	first, done, err := readAudio(conn)
	if err != nil {
		return fail(err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer stop()
		defer conn.Close()

		if len(first) > 0 {
			if _, err := pw.Write(first); err != nil {
				return
			}
		}
		for !done {
			chunk, last, readErr := readAudio(conn)
			if readErr != nil {
				pw.CloseWithError(readErr)
				return
			}
			done = last
			if len(chunk) > 0 {
				if _, err := pw.Write(chunk); err != nil {
					return
				}
			}
		}
		pw.Close()
	}()

	return pr, nil
}

// readAudio reads frames until it has audio or the session ends.
func readAudio(conn *websocket.Conn) ([]byte, bool, error) {
	const op = "volcengine.stream"

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, false, apperr.Upstream(op, "READ", 0, "read tts response", err)
		}

		f, err := decodeFrame(data)
		if err != nil {
			return nil, false, fmt.Errorf("decode tts frame: %w", err)
		}

		body, err := f.body()
		if err != nil {
			return nil, false, fmt.Errorf("decompress tts frame: %w", err)
		}

		switch f.kind {
		case frameError:
			return nil, false, apperr.Upstream(op, fmt.Sprint(f.errorCode), 0, string(body), nil)

		case frameAudioOnlyReply:
			if len(body) > 0 || f.last() {
				return body, f.last(), nil
			}

		case frameFullServerReply:
			if f.hasEvent() && f.event == eventSessionFailed {
				return nil, false, apperr.Upstream(op, "SESSION_FAILED", 0, string(body), nil)
			}

			var msg volcengineServerMessage
			if len(body) > 0 {
				if err := json.Unmarshal(body, &msg); err != nil {
					slog.Debug("volcengine tts payload not json", "error", err)
				} else if msg.Code != 0 && msg.Code != 3000 && msg.Code != 20000000 {
					return nil, false, apperr.Upstream(op, fmt.Sprint(msg.Code), 0, msg.Message, nil)
				}
			}

			finished := (f.hasEvent() && f.event == eventSessionFinished) || f.last() || msg.Sequence < 0
			var chunk []byte
			if msg.Data != "" {
				chunk, err = base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					return nil, false, fmt.Errorf("decode base64 audio: %w", err)
				}
			}
			if len(chunk) > 0 || finished {
				return chunk, finished, nil
			}

		default:
			slog.Debug("volcengine tts unexpected frame", "type", f.kind)
		}
	}
}

func (v *Volcengine) buildRequest(req Request, speaker string) *volcengineRequest {
	out := &volcengineRequest{}

	out.User.UID = strings.TrimSpace(req.SessionID)
	if out.User.UID == "" {
		out.User.UID = uuid.NewString()
	}
	out.ReqParams.Speaker = speaker
	out.ReqParams.Text = req.Text
	out.ReqParams.Language = v.language
	out.ReqParams.AudioParams.Format = "mp3"
	out.ReqParams.AudioParams.SampleRate = 24000

	speed := req.Settings.Speed
	if speed <= 0 {
		speed = v.speed
	}
	if speed > 0 && speed != 1.0 {
		out.ReqParams.AudioParams.SpeedRatio = speed
	}

	volume := req.Settings.Volume
	if volume <= 0 {
		volume = v.volume
	}
	if volume > 0 && volume != 1.0 {
		out.ReqParams.AudioParams.VolumeRatio = volume
	}
	return out
}

func resourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	voice = strings.TrimSpace(voice)
	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "saturn", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}
	return []string{defaultResource, seedResource}
}

var speakerAliases = map[string]string{
	"en_default":   "en_female_amy_jupiter_bigtts",
	"en_female":    "en_female_amy_jupiter_bigtts",
	"en_male":      "en_male_glen_emo_v2_mars_bigtts",
	"sales-warm":   "en_female_skye_emo_v2_mars_bigtts",
	"sales-steady": "en_male_corey_emo_v2_mars_bigtts",
}

// speakerCandidates resolves aliases and de-duplicates the requested and
// configured voices, requested first.
func speakerCandidates(requested, fallback string) []string {
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if mapped, ok := speakerAliases[strings.ToLower(s)]; ok {
			s = mapped
		}
		for _, existing := range out {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		out = append(out, s)
	}

	add(requested)
	add(fallback)
	if len(out) == 0 {
		out = append(out, speakerAliases["en_default"])
	}
	return out
}

func isResourceMismatch(err error) bool {
	var appErr *apperr.Error
	if err == nil || !errors.As(err, &appErr) {
		return false
	}
	return strings.Contains(appErr.Error(), "resource ID is mismatched with speaker related resource")
}
