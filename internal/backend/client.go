// Package backend is the REST collaborator of the sync core: conversation
// and message pages, mark-read, and image upload.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"github.com/valyala/fasthttp"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
)

// ErrStatus wraps every non-2xx response.
var ErrStatus = errors.New("unexpected status")

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Pagination is the paging block of a list response.
type Pagination struct {
	Page  int
	Limit int
	Total int
	Pages int
}

// HasMore reports whether another page follows.
func (p Pagination) HasMore() bool {
	return p.Pages > 0 && p.Page < p.Pages
}

type Client struct {
	http    *fasthttp.Client
	baseURL string
	token   string
	timeout time.Duration
	log     zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		http: &fasthttp.Client{
			Name:                "craftworks-chat",
			MaxIdleConnDuration: time.Minute,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		log:     log,
	}
}

// Chats fetches one page of the conversation list.
func (c *Client) Chats(ctx context.Context, page, limit int) ([]domain.Payload, Pagination, error) {
	body, err := c.do(ctx, fasthttp.MethodGet, "/chats"+pageQuery(page, limit), "", nil)
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("fetch chats: %w", err)
	}
	doc, err := decodeObject(body)
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("fetch chats: %w", err)
	}
	return list(doc, "chats", "conversations", "data"), pagination(doc, page, limit), nil
}

// Messages fetches one page of a conversation's messages.
func (c *Client) Messages(ctx context.Context, chatID string, page, limit int) ([]domain.Payload, error) {
	path := "/chats/" + url.PathEscape(chatID) + "/messages" + pageQuery(page, limit)
	body, err := c.do(ctx, fasthttp.MethodGet, path, "", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch messages of %s: %w", chatID, err)
	}
	doc, err := decodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("fetch messages of %s: %w", chatID, err)
	}
	return list(doc, "messages", "data"), nil
}

// MarkRead marks every message of chatID as read by the session user.
func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	path := "/chats/" + url.PathEscape(chatID) + "/read"
	if _, err := c.do(ctx, fasthttp.MethodPatch, path, "", nil); err != nil {
		return fmt.Errorf("mark %s read: %w", chatID, err)
	}
	return nil
}

// Upload stores an image for chatID. msg is the created message when the
// backend returns one.
func (c *Client) Upload(ctx context.Context, chatID, filename string, data []byte) (string, domain.Payload, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", nil, fmt.Errorf("upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", nil, fmt.Errorf("upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", nil, fmt.Errorf("upload: %w", err)
	}

	path := "/chats/" + url.PathEscape(chatID) + "/upload"
	body, err := c.do(ctx, fasthttp.MethodPost, path, mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", nil, fmt.Errorf("upload to %s: %w", chatID, err)
	}
	doc, err := decodeObject(body)
	if err != nil {
		return "", nil, fmt.Errorf("upload to %s: %w", chatID, err)
	}
	if inner, ok := doc["data"].(map[string]any); ok {
		doc = inner
	}

	var msg domain.Payload
	if m, ok := doc["message"].(map[string]any); ok {
		msg = m
	}
	link := cast.ToString(doc["url"])
	if link == "" && msg != nil {
		link = cast.ToString(msg["content"])
	}
	if link == "" {
		return "", nil, fmt.Errorf("upload to %s: response has no url", chatID)
	}
	return link, msg, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.SetContentType(contentType)
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, err
	}
	code := resp.StatusCode()
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", code).
		Dur("took", time.Since(start)).
		Msg("Backend request")

	if code < 200 || code >= 300 {
		return nil, fmt.Errorf("%w: %d %s", ErrStatus, code, strings.TrimSpace(string(resp.Body())))
	}
	return append([]byte(nil), resp.Body()...), nil
}

func pageQuery(page, limit int) string {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func decodeObject(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	switch doc := v.(type) {
	case map[string]any:
		return doc, nil
	case []any:
		return map[string]any{"data": doc}, nil
	default:
		return nil, fmt.Errorf("decode response: unexpected %T", v)
	}
}

// list returns the first array found under keys, looking one level into a
// "data" object as well.
func list(doc map[string]any, keys ...string) []domain.Payload {
	for _, key := range keys {
		switch v := doc[key].(type) {
		case []any:
			out := make([]domain.Payload, 0, len(v))
			for _, item := range v {
				if obj, ok := item.(map[string]any); ok {
					out = append(out, obj)
				}
			}
			return out
		case map[string]any:
			if key == "data" {
				return list(v, keys...)
			}
		}
	}
	return nil
}

func pagination(doc map[string]any, page, limit int) Pagination {
	p := Pagination{Page: page, Limit: limit}
	raw, ok := doc["pagination"].(map[string]any)
	if !ok {
		if data, isObj := doc["data"].(map[string]any); isObj {
			raw, ok = data["pagination"].(map[string]any)
		}
	}
	if !ok {
		return p
	}
	if v := cast.ToInt(raw["page"]); v > 0 {
		p.Page = v
	}
	if v := cast.ToInt(raw["limit"]); v > 0 {
		p.Limit = v
	}
	p.Total = cast.ToInt(raw["total"])
	p.Pages = cast.ToInt(raw["pages"])
	if p.Pages == 0 {
		p.Pages = cast.ToInt(raw["totalPages"])
	}
	return p
}
