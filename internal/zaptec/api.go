package zaptec

import (
	"context"
	"encoding/json"
	"fmt"
)

// Installations lists the installations visible to the account.
func (c *Client) Installations(ctx context.Context) ([]map[string]any, error) {
	var resp pagedResponse
	if err := c.get(ctx, "installation", &resp); err != nil {
		return nil, err
	}
	if err := validateListing(resp.Data); err != nil {
		return nil, &ValidationError{URL: "installation", Err: err}
	}
	return resp.Data, nil
}

// Installation fetches the full info record for one installation.
func (c *Client) Installation(ctx context.Context, id string) (map[string]any, error) {
	var resp map[string]any
	if err := c.get(ctx, "installation/"+id, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// InstallationHierarchy fetches the circuit tree with the chargers attached
// to each circuit.
func (c *Client) InstallationHierarchy(ctx context.Context, id string) (hierarchyResponse, error) {
	var resp hierarchyResponse
	if err := c.get(ctx, "installation/"+id+"/hierarchy", &resp); err != nil {
		return hierarchyResponse{}, err
	}
	return resp, nil
}

// Chargers lists every charger visible to the account, including standalone
// chargers outside any accessible installation.
func (c *Client) Chargers(ctx context.Context) ([]map[string]any, error) {
	var resp pagedResponse
	if err := c.get(ctx, "chargers", &resp); err != nil {
		return nil, err
	}
	if err := validateListing(resp.Data); err != nil {
		return nil, &ValidationError{URL: "chargers", Err: err}
	}
	return resp.Data, nil
}

// Charger fetches the full info record for one charger.
func (c *Client) Charger(ctx context.Context, id string) (map[string]any, error) {
	var resp map[string]any
	if err := c.get(ctx, "chargers/"+id, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ChargerState fetches the observation listing for one charger.
func (c *Client) ChargerState(ctx context.Context, id string) ([]stateEntry, error) {
	var resp []stateEntry
	if err := c.get(ctx, "chargers/"+id+"/state", &resp); err != nil {
		return nil, err
	}
	if err := validateState(resp); err != nil {
		return nil, &ValidationError{URL: "chargers/" + id + "/state", Err: err}
	}
	return resp, nil
}

// FirmwareInfo fetches the firmware status of every charger in an
// installation.
func (c *Client) FirmwareInfo(ctx context.Context, installationID string) ([]firmwareInfo, error) {
	var resp []firmwareInfo
	if err := c.get(ctx, "chargerFirmware/installation/"+installationID, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Constants fetches the versioned code catalog.
func (c *Client) Constants(ctx context.Context) (json.RawMessage, error) {
	var resp json.RawMessage
	if err := c.get(ctx, "constants", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SendCommand posts a numeric command to a charger.
func (c *Client) SendCommand(ctx context.Context, chargerID string, commandID int) error {
	return c.post(ctx, fmt.Sprintf("chargers/%s/SendCommand/%d", chargerID, commandID), nil, nil)
}

// AuthorizeCharge authorizes a charger to start charging. Dedicated endpoint,
// not part of the numeric command table.
func (c *Client) AuthorizeCharge(ctx context.Context, chargerID string) error {
	return c.post(ctx, "chargers/"+chargerID+"/authorizecharge", nil, nil)
}

// UpdateCharger posts settings changes to a charger.
func (c *Client) UpdateCharger(ctx context.Context, chargerID string, settings map[string]any) error {
	return c.post(ctx, "chargers/"+chargerID+"/update", settings, nil)
}

// UpdateInstallation posts site-wide changes such as available current.
func (c *Client) UpdateInstallation(ctx context.Context, installationID string, payload map[string]any) error {
	return c.post(ctx, "installation/"+installationID+"/update", payload, nil)
}

// LocalSettings posts device-local settings (cable lock, HMI brightness).
func (c *Client) LocalSettings(ctx context.Context, chargerID string, payload map[string]any) error {
	return c.post(ctx, "chargers/"+chargerID+"/localSettings", payload, nil)
}
