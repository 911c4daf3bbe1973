package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"stackyard/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type stackSnapshot struct {
	Width   int                `json:"width"`
	Depth   int                `json:"depth"`
	Height  int                `json:"height"`
	Bays    []domain.LaneCoord `json:"bays"`
	Heights [][]int            `json:"heights"`
}

type statusSnapshot struct {
	Executing bool     `json:"executing"`
	Tick      uint64   `json:"tick"`
	Trail     []string `json:"trail"`
}

func (c *client) listCars() ([]domain.Pose, error) {
	var out []domain.Pose
	if err := c.getJSON("/cars", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) stacks() (stackSnapshot, error) {
	var out stackSnapshot
	if err := c.getJSON("/stacks", &out); err != nil {
		return stackSnapshot{}, err
	}
	return out, nil
}

func (c *client) status() (statusSnapshot, error) {
	var out statusSnapshot
	if err := c.getJSON("/status?limit=200", &out); err != nil {
		return statusSnapshot{}, err
	}
	return out, nil
}

func (c *client) listOrders(limit int) ([]domain.OrderRecord, error) {
	var out []domain.OrderRecord
	if err := c.getJSON(fmt.Sprintf("/orders?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listOrderDecisions(orderID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/orders/%s/decisions?limit=%d", orderID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) submitOrders(orders []map[string]any) (string, error) {
	var out struct {
		BatchID string `json:"batch_id"`
	}
	if err := c.postJSON("/orders", map[string]any{"orders": orders}, &out); err != nil {
		return "", err
	}
	return out.BatchID, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}
