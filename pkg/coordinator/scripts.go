package coordinator

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// popHeadScript reads and trims the first N list elements in a single
// server-side step. Replacing the read-then-delete sequence with one script
// is what makes concurrent absorption by overlapping lock holders safe:
// two poppers always receive disjoint batches.
var popHeadScript = redis.NewScript(`
local n = tonumber(ARGV[1])
if n == nil or n <= 0 then
  return {}
end
local items = redis.call('LRANGE', KEYS[1], 0, n - 1)
if #items > 0 then
  redis.call('LTRIM', KEYS[1], #items, -1)
end
return items
`)

// PopHead atomically removes and returns up to n head elements of a list.
func (c *Client) PopHead(ctx context.Context, key string, n int64) ([][]byte, error) {
	res, err := popHeadScript.Run(ctx, c.rdb, []string{key}, n).Result()
	if err != nil {
		return nil, fmt.Errorf("coordinator pop_head %s: %w", key, err)
	}
	items, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("coordinator pop_head %s: unexpected reply %T", key, res)
	}
	out := make([][]byte, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, []byte(v))
		case []byte:
			out = append(out, v)
		default:
			return nil, fmt.Errorf("coordinator pop_head %s: unexpected element %T", key, item)
		}
	}
	return out, nil
}
