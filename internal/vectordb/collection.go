package vectordb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch for collection %s: expected %d, got %d",
		e.Collection, e.Expected, e.Actual)
}

// CollectionInfo fetches status, vector size and point count.
func (c *Client) CollectionInfo(ctx context.Context) (*CollectionInfo, error) {
	url := fmt.Sprintf("%s/collections/%s", c.base, c.cfg.Collection)
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrCollectionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get collection info: status %d", resp.StatusCode)
	}

	var result struct {
		Result struct {
			Status      string `json:"status"`
			PointsCount int64  `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &CollectionInfo{
		Name:        c.cfg.Collection,
		Status:      result.Result.Status,
		VectorSize:  result.Result.Config.Params.Vectors.Size,
		Distance:    result.Result.Config.Params.Vectors.Distance,
		PointsCount: result.Result.PointsCount,
	}, nil
}

// EnsureCollection creates the collection with cosine distance when it is
// missing, and checks the vector size when it exists.
func (c *Client) EnsureCollection(ctx context.Context, size int) error {
	info, err := c.CollectionInfo(ctx)
	switch {
	case err == nil:
		if size > 0 && info.VectorSize != size {
			return DimensionMismatchError{Collection: c.cfg.Collection, Expected: size, Actual: info.VectorSize}
		}
		c.log.Info("Collection exists",
			zap.String("collection", c.cfg.Collection),
			zap.Int("dimension", info.VectorSize),
			zap.Int64("points", info.PointsCount))
		return nil
	case !errors.Is(err, ErrCollectionNotFound):
		return err
	}

	url := fmt.Sprintf("%s/collections/%s", c.base, c.cfg.Collection)
	body := map[string]interface{}{
		"vectors": map[string]interface{}{"size": size, "distance": "Cosine"},
	}
	resp, err := c.do(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("create collection %s: status %d", c.cfg.Collection, resp.StatusCode)
	}
	c.log.Info("Created collection", zap.String("collection", c.cfg.Collection), zap.Int("dimension", size))
	return nil
}

// Ping is used by the health checker.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.CollectionInfo(ctx)
	return err
}
