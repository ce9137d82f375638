package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"collabsync/internal/model"
)

func (c *App) registerKeys(pk *model.ParticipantKey) error {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   "/keys",
	}

	body, err := json.Marshal(pk)
	if err != nil {
		return err
	}

	resp, err := http.Post(u.String(), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("register keys: status %d", resp.StatusCode)
	}
	return nil
}

func (c *App) getParticipantKeys(participantID string) (*model.ParticipantKey, error) {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   fmt.Sprintf("/keys/%s", participantID),
	}

	resp, err := http.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get participant keys: status %d", resp.StatusCode)
	}

	var pk model.ParticipantKey
	if err := json.NewDecoder(resp.Body).Decode(&pk); err != nil {
		return nil, err
	}
	return &pk, nil
}

func (c *App) fetchEnvelopeHistory(since int64) ([]*model.Envelope, error) {
	u := url.URL{
		Scheme:   "http",
		Host:     c.host,
		Path:     fmt.Sprintf("/documents/%s/envelopes", c.docID),
		RawQuery: url.Values{"since": []string{fmt.Sprintf("%d", since)}}.Encode(),
	}

	resp, err := http.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch envelope history: status %d", resp.StatusCode)
	}

	var envs []*model.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envs); err != nil {
		return nil, err
	}
	return envs, nil
}
