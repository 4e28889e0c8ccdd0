// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a botvisor control API.
type Client struct {
	base   string // URI to root of tree on server
	client *http.Client
}

// NewClient returns a Client for the server at baseURI.  The transport may
// be nil to use the default one.
func NewClient(t http.RoundTripper, baseURI string) *Client {
	if t == nil {
		t = http.DefaultTransport
	}
	return &Client{
		base:   strings.TrimRight(baseURI, "/"),
		client: &http.Client{Transport: t},
	}
}

func (c *Client) url(parts ...string) string {
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return c.base + "/" + strings.Join(parts, "/")
}

// do runs req and decodes a JSON reply into v.  Non-2xx replies are
// returned as *Error.  A 304 leaves v untouched and reports false.
func (c *Client) do(req *http.Request, v interface{}) (bool, error) {
	res, e := c.client.Do(req)
	if e != nil {
		return false, e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return false, nil
	}
	body, e := io.ReadAll(res.Body)
	if e != nil {
		return false, e
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		re := &Error{}
		if json.Unmarshal(body, re) != nil || re.Message == "" {
			re.Message = res.Status
		}
		re.Code = res.StatusCode
		return false, re
	}
	if v != nil {
		if e := json.Unmarshal(body, v); e != nil {
			return false, e
		}
	}
	return true, nil
}

func (c *Client) get(ctx context.Context, u string, v interface{}) error {
	req, e := http.NewRequestWithContext(ctx, "GET", u, nil)
	if e != nil {
		return e
	}
	_, e = c.do(req, v)
	return e
}

func (c *Client) postForm(ctx context.Context, u string, form url.Values, v interface{}) error {
	req, e := http.NewRequestWithContext(ctx, "POST", u, strings.NewReader(form.Encode()))
	if e != nil {
		return e
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, e = c.do(req, v)
	return e
}

// Status lists every bot.
func (c *Client) Status(ctx context.Context) ([]BotInfo, error) {
	var v []BotInfo
	if e := c.get(ctx, c.url("status"), &v); e != nil {
		return nil, e
	}
	return v, nil
}

// WatchStatus waits up to wait for the bot list to differ from the one
// identified by etag.  It returns the list and its new etag; if nothing
// changed the list is nil and the etag is unchanged.
func (c *Client) WatchStatus(ctx context.Context, etag string, wait time.Duration) ([]BotInfo, string, error) {
	u := c.url("status")
	if wait > 0 {
		u += "?wait=" + url.QueryEscape(wait.String())
	}
	req, e := http.NewRequestWithContext(ctx, "GET", u, nil)
	if e != nil {
		return nil, "", e
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	res, e := c.client.Do(req)
	if e != nil {
		return nil, "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return nil, etag, nil
	}
	if res.StatusCode != http.StatusOK {
		return nil, "", &Error{Code: res.StatusCode, Message: res.Status}
	}
	var v []BotInfo
	if e := json.NewDecoder(res.Body).Decode(&v); e != nil {
		return nil, "", e
	}
	return v, res.Header.Get("ETag"), nil
}

// Deploy asks the server to deploy repo.  A zero port lets the server
// pick one.
func (c *Client) Deploy(ctx context.Context, repo string, startFile string, port int, env string) (*DeployInfo, error) {
	form := url.Values{}
	form.Set(FieldRepoLink, repo)
	if startFile != "" {
		form.Set(FieldStartFile, startFile)
	}
	if port != 0 {
		form.Set(FieldPort, strconv.Itoa(port))
	}
	if env != "" {
		form.Set(FieldEnv, env)
	}
	v := &DeployInfo{}
	if e := c.postForm(ctx, c.url("deploy"), form, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) Start(ctx context.Context, name string) error {
	return c.get(ctx, c.url("start", name), nil)
}

func (c *Client) Stop(ctx context.Context, name string) error {
	return c.get(ctx, c.url("stop", name), nil)
}

func (c *Client) Delete(ctx context.Context, name string) error {
	return c.get(ctx, c.url("delete", name), nil)
}

// GetConfig returns the environment text of a bot.
func (c *Client) GetConfig(ctx context.Context, name string) (string, error) {
	v := &ConfigInfo{}
	if e := c.get(ctx, c.url("get_config", name), v); e != nil {
		return "", e
	}
	return v.Env, nil
}

// UpdateConfig replaces the environment of a bot with env, given as
// KEY=VALUE lines.
func (c *Client) UpdateConfig(ctx context.Context, name string, env string) error {
	form := url.Values{}
	form.Set(FieldEnv, env)
	return c.postForm(ctx, c.url("update_config", name), form, nil)
}

// GetLog returns the captured output of a bot written after the record
// with id since.  Zero returns everything retained.
func (c *Client) GetLog(ctx context.Context, name string, since int64) (*LogInfo, error) {
	u := c.url("logs", name)
	if since != 0 {
		u += "?since=" + strconv.FormatInt(since, 10)
	}
	v := &LogInfo{}
	if e := c.get(ctx, u, v); e != nil {
		return nil, e
	}
	return v, nil
}
