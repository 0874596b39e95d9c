package feed

import (
	"context"

	"github.com/ahsync/ahsync/internal/export"
	"github.com/ahsync/ahsync/internal/store"
	"github.com/ahsync/ahsync/internal/types"
)

// StatsSource is the subset of the store the feed reads stats from.
type StatsSource interface {
	Stats(ctx context.Context) (map[types.Region]int, error)
}

// StoreStats adapts a store into a StatsFunc.
func StoreStats(src StatsSource) StatsFunc {
	return func(ctx context.Context) (*StatsData, error) {
		stats, err := src.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out := &StatsData{Regions: make(map[string]int, len(stats))}
		for r, n := range stats {
			out.Regions[string(r)] = n
			out.Records += n
		}
		return out, nil
	}
}

// OnChange publishes a committed snapshot. It has the signature of a store
// subscriber.
func (s *Server) OnChange(c store.Change) {
	s.Publish(MessageTypeSnapshot, SnapshotData{Key: c.Key.String(), Fingerprint: c.Fingerprint})
}

// OnExport publishes the outcome of an export to path.
func (s *Server) OnExport(path string, res *export.Result, err error) {
	s.Publish(MessageTypeExport, exportData(path, res, err))
}

func exportData(path string, res *export.Result, err error) ExportData {
	d := ExportData{Path: path}
	if err != nil {
		d.Error = err.Error()
		return d
	}
	d.Path = res.Path
	d.Bytes = res.Bytes
	d.DownloadTime = res.DownloadTime
	for _, k := range res.Keys {
		d.Keys = append(d.Keys, k.String())
	}
	for _, w := range res.Warnings {
		d.Warnings = append(d.Warnings, w.Error())
	}
	return d
}
