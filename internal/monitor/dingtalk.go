package monitor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

// ---------------------------------------------------------------------------
// DingTalk robot notifier: action cards with BUY/TX buttons
// https://open.dingtalk.com/document/robots/custom-robot-access
// ---------------------------------------------------------------------------

// DefaultDingTalkURL is the robot send endpoint.
const DefaultDingTalkURL = "https://oapi.dingtalk.com/robot/send"

// ErrNotifyRejected is returned when the robot answers with a non-zero errcode.
var ErrNotifyRejected = errors.New("notification rejected")

// DingTalkConfig configures the DingTalk notifier.
type DingTalkConfig struct {
	URL       string        `yaml:"url"`
	Token     string        `yaml:"token"`
	Secret    string        `yaml:"secret"` // empty sends unsigned
	Timeout   time.Duration `yaml:"timeout"`
	PerMinute int           `yaml:"per_minute"` // robot send limit
}

// DefaultDingTalkConfig returns sensible defaults.
func DefaultDingTalkConfig() DingTalkConfig {
	return DingTalkConfig{
		URL:       DefaultDingTalkURL,
		Timeout:   10 * time.Second,
		PerMinute: 20,
	}
}

// DingTalkNotifier posts artifacts to a DingTalk group robot. Safe for
// concurrent use.
type DingTalkNotifier struct {
	config DingTalkConfig
	client *fasthttp.Client

	mu          sync.Mutex
	windowStart time.Time
	sentInWin   int

	delivered atomic.Int64
	failed    atomic.Int64
	throttled atomic.Int64
}

var _ Notifier = (*DingTalkNotifier)(nil)

// NewDingTalkNotifier creates a DingTalk notifier.
func NewDingTalkNotifier(config DingTalkConfig) *DingTalkNotifier {
	def := DefaultDingTalkConfig()
	if config.URL == "" {
		config.URL = def.URL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.PerMinute <= 0 {
		config.PerMinute = def.PerMinute
	}
	return &DingTalkNotifier{
		config: config,
		client: &fasthttp.Client{
			Name:         "xmonitor",
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
		},
	}
}

type dingButton struct {
	Title     string `json:"title"`
	ActionURL string `json:"actionURL"`
}

type dingMessage struct {
	MsgType    string `json:"msgtype"`
	ActionCard *struct {
		Title          string       `json:"title"`
		Text           string       `json:"text"`
		BtnOrientation string       `json:"btnOrientation"`
		Btns           []dingButton `json:"btns"`
	} `json:"actionCard,omitempty"`
	Markdown *struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	} `json:"markdown,omitempty"`
}

// dingMessageFor renders an artifact as an action card, or as markdown when
// it has no buttons.
func dingMessageFor(a *Artifact) dingMessage {
	if len(a.Buttons) == 0 {
		m := dingMessage{MsgType: "markdown"}
		m.Markdown = &struct {
			Title string `json:"title"`
			Text  string `json:"text"`
		}{Title: a.Title, Text: a.Text}
		return m
	}

	m := dingMessage{MsgType: "actionCard"}
	m.ActionCard = &struct {
		Title          string       `json:"title"`
		Text           string       `json:"text"`
		BtnOrientation string       `json:"btnOrientation"`
		Btns           []dingButton `json:"btns"`
	}{Title: a.Title, Text: a.Text, BtnOrientation: "0"}
	for _, b := range a.Buttons {
		m.ActionCard.Btns = append(m.ActionCard.Btns, dingButton{Title: b.Title, ActionURL: b.URL})
	}
	return m
}

// Notify posts the artifact, waiting for the per-minute window when the
// robot limit has been reached.
func (d *DingTalkNotifier) Notify(ctx context.Context, a *Artifact) error {
	if a == nil || a.Text == "" {
		return nil
	}
	payload, err := json.Marshal(dingMessageFor(a))
	if err != nil {
		return fmt.Errorf("dingtalk: marshal: %w", err)
	}
	if err := d.reserve(ctx); err != nil {
		return fmt.Errorf("dingtalk: %w", err)
	}

	if err := d.post(ctx, payload); err != nil {
		d.failed.Add(1)
		return err
	}
	d.delivered.Add(1)
	log.Debug().Str("trace_id", a.TraceID).Int("buttons", len(a.Buttons)).Msg("dingtalk: delivered")
	return nil
}

func (d *DingTalkNotifier) reserve(ctx context.Context) error {
	for {
		d.mu.Lock()
		now := time.Now()
		if now.Sub(d.windowStart) >= time.Minute {
			d.windowStart, d.sentInWin = now, 0
		}
		if d.sentInWin < d.config.PerMinute {
			d.sentInWin++
			d.mu.Unlock()
			return nil
		}
		wait := time.Minute - now.Sub(d.windowStart)
		d.mu.Unlock()

		d.throttled.Add(1)
		log.Debug().Dur("wait", wait).Msg("dingtalk: robot limit reached")
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (d *DingTalkNotifier) post(ctx context.Context, payload []byte) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(d.sendURL(time.Now()))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json; charset=utf-8")
	req.SetBody(payload)

	timeout := d.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return fmt.Errorf("dingtalk: %w", context.DeadlineExceeded)
	}
	if err := d.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("dingtalk: send: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("dingtalk: HTTP %d: %w", resp.StatusCode(), ErrNotifyRejected)
	}

	var out struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return fmt.Errorf("dingtalk: parse reply: %w", err)
	}
	if out.ErrCode != 0 {
		return fmt.Errorf("dingtalk: errcode %d %s: %w", out.ErrCode, out.ErrMsg, ErrNotifyRejected)
	}
	return nil
}

// sendURL appends the access token and, with a secret, the timestamp and
// HMAC-SHA256 signature the robot checks.
func (d *DingTalkNotifier) sendURL(now time.Time) string {
	q := url.Values{}
	q.Set("access_token", d.config.Token)
	if d.config.Secret != "" {
		ts := now.UnixMilli()
		q.Set("timestamp", strconv.FormatInt(ts, 10))
		q.Set("sign", dingTalkSign(d.config.Secret, ts))
	}
	return d.config.URL + "?" + q.Encode()
}

func dingTalkSign(secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10) + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// DingTalkStats is the notifier snapshot.
type DingTalkStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Throttled int64 `json:"throttled"`
}

func (d *DingTalkNotifier) Stats() DingTalkStats {
	return DingTalkStats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Throttled: d.throttled.Load(),
	}
}
