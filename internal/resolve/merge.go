package resolve

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"
)

const fieldTimesKey = "fieldTimes"

// naturalKeys are tried in order to identify collection elements.
var naturalKeys = []string{"id", "key", "vocabularyId", "text", "term"}

// MergeObjects merges two decoded JSON objects field by field.
// Arrays are unioned by natural key, never intersected. Scalars take the side whose
// fieldTimes entry is newer; ties and missing times keep the server value.
func MergeObjects(client, server map[string]any) map[string]any {
	ct := fieldTimes(client)
	st := fieldTimes(server)

	out := make(map[string]any, len(server))
	keys := lo.Uniq(append(lo.Keys(server), lo.Keys(client)...))
	for _, k := range keys {
		if k == fieldTimesKey {
			continue
		}
		cv, inClient := client[k]
		sv, inServer := server[k]
		switch {
		case !inClient:
			out[k] = sv
		case !inServer:
			out[k] = cv
		default:
			ca, cIsArr := cv.([]any)
			sa, sIsArr := sv.([]any)
			if cIsArr && sIsArr {
				out[k] = union(sa, ca)
				continue
			}
			if ct[k].After(st[k]) {
				out[k] = cv
			} else {
				out[k] = sv
			}
		}
	}

	if len(ct) > 0 || len(st) > 0 {
		times := make(map[string]string, len(st))
		for f, t := range st {
			times[f] = t.UTC().Format(time.RFC3339Nano)
		}
		for f, t := range ct {
			if t.After(st[f]) {
				times[f] = t.UTC().Format(time.RFC3339Nano)
			}
		}
		out[fieldTimesKey] = times
	}
	return out
}

func union(server, client []any) []any {
	return lo.UniqBy(append(append([]any{}, server...), client...), elementKey)
}

func elementKey(v any) string {
	if m, ok := v.(map[string]any); ok {
		for _, k := range naturalKeys {
			if id, ok := m[k]; ok && id != nil {
				return k + "=" + fmt.Sprint(id)
			}
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func fieldTimes(obj map[string]any) map[string]time.Time {
	raw, ok := obj[fieldTimesKey].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]time.Time, len(raw))
	for f, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			out[f] = t
		}
	}
	return out
}
