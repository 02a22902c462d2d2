package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/models"

	"github.com/segmentio/encoding/json"
)

// TokenSource 提供当前身份的访问令牌，没有身份时返回空串。
type TokenSource interface {
	AccessToken() string
}

// Client 是对后端 REST 接口的薄封装，只负责请求、响应与错误透出。
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

func New(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

// Entry 是创建房间或登录房间的响应。
type Entry struct {
	Room        models.Room   `json:"room"`
	Member      models.Member `json:"member"`
	User        models.User   `json:"user"`
	AccessToken string        `json:"access_token"`
}

type CreateRoomRequest struct {
	Name     string  `json:"name"`
	UserName string  `json:"user_name"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Theme    string  `json:"theme,omitempty"`
	Private  bool    `json:"private"`
}

type SignInRequest struct {
	UserName string `json:"user_name"`
	Access   string `json:"access,omitempty"`
}

// Decision 是房主接受或拒绝待审成员的请求体。
type Decision struct {
	OwnerID string `json:"owner_id"`
	UserID  string `json:"user_id"`
	Access  string `json:"access"`
}

func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (*Entry, error) {
	var out Entry
	if err := c.do(ctx, http.MethodPost, "/rooms", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SignIn(ctx context.Context, roomID string, req SignInRequest) (*Entry, error) {
	var out Entry
	if err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/sign-in", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AcceptMember(ctx context.Context, roomID string, d Decision) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/sign-in/accept", d, nil)
}

func (c *Client) RefuseMember(ctx context.Context, roomID string, d Decision) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/sign-in/refuse", d, nil)
}

func (c *Client) SignOut(ctx context.Context, roomID, userID string) error {
	body := map[string]string{"user_id": userID, "room_id": roomID}
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/sign-out", body, nil)
}

// GetRoom 拉取完整快照，轮询路径使用。
func (c *Client) GetRoom(ctx context.Context, roomID string) (*models.Snapshot, error) {
	var out models.Snapshot
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateRoom(ctx context.Context, roomID, userID string, patch models.RoomPatch) error {
	path := "/rooms/" + url.PathEscape(roomID) + "?user_id=" + url.QueryEscape(userID)
	return c.do(ctx, http.MethodPatch, path, patch, nil)
}

func (c *Client) UpdateUser(ctx context.Context, userID, name string) error {
	return c.do(ctx, http.MethodPatch, "/users/"+url.PathEscape(userID), map[string]string{"name": name}, nil)
}

func (c *Client) Vote(ctx context.Context, roomID, userID, vote string) error {
	body := map[string]string{"user_id": userID, "vote": vote}
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/vote", body, nil)
}

func (c *Client) RevealVotes(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/vote/reveal", nil, nil)
}

func (c *Client) ClearVotes(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/vote/clear", nil, nil)
}

// DeleteRoom 删除房间，只有房主可以调用。
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodDelete, "/rooms/"+url.PathEscape(roomID), nil, nil)
}

// Invite 是房主生成的邀请，Access 可在 SignIn 时免审批加入私有房间。
type Invite struct {
	RoomID string `json:"room_id"`
	Access string `json:"access"`
	URL    string `json:"url"`
}

func (c *Client) Invite(ctx context.Context, roomID string) (*Invite, error) {
	var out Invite
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/invite", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NearbyRooms 查询附近的公开房间，maxDistance 单位为米。
func (c *Client) NearbyRooms(ctx context.Context, lat, lng, maxDistance float64) ([]models.Room, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(lng, 'f', -1, 64))
	q.Set("max_distance", strconv.FormatFloat(maxDistance, 'f', -1, 64))
	var out []models.Room
	if err := c.do(ctx, http.MethodGet, "/rooms/location?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode, Method: method, Path: path}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil {
			se.Message = e.Error
		}
		return se
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
