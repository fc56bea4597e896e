package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/meridianfi/crossd/pkg/rpc"
)

// Client is a typed JSON-RPC client for a crossd daemon.
type Client interface {
	Health() error
	Initiate(req rpc.RequestInitiate) (rpc.SessionView, error)
	Sessions() ([]rpc.SessionView, error)
	Session(swapID string) (rpc.SessionView, error)
	Abort(swapID string) error
}

type client struct {
	user     string
	pass     string
	protocol string
	server   string
}

func New(user, pass, protocol, server string) Client {
	return &client{
		user:     user,
		pass:     pass,
		protocol: protocol,
		server:   server,
	}
}

func (c *client) Health() error {
	_, err := c.send("health", nil)
	return err
}

func (c *client) Initiate(req rpc.RequestInitiate) (rpc.SessionView, error) {
	params, err := json.Marshal(req)
	if err != nil {
		return rpc.SessionView{}, err
	}
	result, err := c.send("initiateSwap", params)
	if err != nil {
		return rpc.SessionView{}, err
	}
	var view rpc.SessionView
	if err := json.Unmarshal(result, &view); err != nil {
		return rpc.SessionView{}, err
	}
	return view, nil
}

func (c *client) Sessions() ([]rpc.SessionView, error) {
	result, err := c.send("listSessions", nil)
	if err != nil {
		return nil, err
	}
	var views []rpc.SessionView
	if err := json.Unmarshal(result, &views); err != nil {
		return nil, err
	}
	return views, nil
}

func (c *client) Session(swapID string) (rpc.SessionView, error) {
	params, err := json.Marshal(rpc.RequestSession{SwapID: swapID})
	if err != nil {
		return rpc.SessionView{}, err
	}
	result, err := c.send("getSession", params)
	if err != nil {
		return rpc.SessionView{}, err
	}
	var view rpc.SessionView
	if err := json.Unmarshal(result, &view); err != nil {
		return rpc.SessionView{}, err
	}
	return view, nil
}

func (c *client) Abort(swapID string) error {
	params, err := json.Marshal(rpc.RequestSession{SwapID: swapID})
	if err != nil {
		return err
	}
	_, err = c.send("abortSession", params)
	return err
}

// send posts one JSON-RPC request with basic auth and unwraps the response,
// returning either the result field or the error field.
func (c *client) send(method string, params json.RawMessage) (json.RawMessage, error) {
	payload := rpc.Request{
		Version: "2.0",
		Method:  method,
		Params:  params,
	}
	marshalled, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := c.protocol + "://" + c.server
	httpRequest, err := http.NewRequest("POST", url, bytes.NewReader(marshalled))
	if err != nil {
		return nil, err
	}
	httpRequest.Close = true
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.SetBasicAuth(c.user, c.pass)

	httpResponse, err := http.DefaultClient.Do(httpRequest)
	if err != nil {
		return nil, err
	}

	respBytes, err := io.ReadAll(httpResponse.Body)
	httpResponse.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("error reading json reply: %v", err)
	}

	var resp rpc.Response
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
			return nil, fmt.Errorf("%d %s", httpResponse.StatusCode,
				http.StatusText(httpResponse.StatusCode))
		}
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: %s", resp.Error.Message, resp.Error.Data)
	}
	return resp.Result, nil
}
