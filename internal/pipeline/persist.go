package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/repositories"
	"github.com/desertthunder/setgraph/internal/shared"
)

// poisonKey is the Redis list unpersistable items are parked on for manual
// inspection.
const poisonKey = "setgraph:poison"

// kindOrder fixes the flush order so referenced rows always land before the
// rows that point at them.
var kindOrder = map[models.ItemKind]int{
	models.ItemArtist:       0,
	models.ItemTrack:        1,
	models.ItemSetlist:      2,
	models.ItemSetlistTrack: 3,
	models.ItemTrackArtist:  4,
	models.ItemAdjacency:    5,
}

// Persister batches validated items and commits each batch in a single
// transaction. A failing batch is retried once, then bisected down to the
// single poisoned item, so one bad row cannot sink its batch-mates.
type Persister struct {
	store    *repositories.Store
	redis    *redis.Client
	logger   *log.Logger
	registry *metrics.Registry

	batchSize int

	mu    sync.Mutex
	batch []models.Item
}

// NewPersister builds the stage. The Redis client is only used for the
// poison list and may be nil.
func NewPersister(cfg shared.PipelineConfig, store *repositories.Store, rdb *redis.Client, registry *metrics.Registry, logger *log.Logger) *Persister {
	if logger == nil {
		logger = log.Default()
	}
	size := cfg.BatchSize
	if size <= 0 {
		size = 50
	}
	return &Persister{
		store:     store,
		redis:     rdb,
		logger:    logger,
		registry:  registry,
		batchSize: size,
	}
}

func (p *Persister) Name() string  { return "persist" }
func (p *Persister) Priority() int { return 300 }

func (p *Persister) Process(ctx context.Context, item models.Item) ([]models.Item, error) {
	p.mu.Lock()
	p.batch = append(p.batch, item)
	full := len(p.batch) >= p.batchSize
	p.mu.Unlock()

	if full {
		return nil, p.Flush(ctx)
	}
	return nil, nil
}

func (p *Persister) Close(ctx context.Context) ([]models.Item, error) {
	return nil, p.Flush(ctx)
}

// Flush commits everything buffered so far.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.batch
	p.batch = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	p.flushBatch(ctx, batch, true)
	if p.registry != nil {
		p.registry.BatchFlushDuration.WithLabelValues("batch").Observe(time.Since(start).Seconds())
	}
	return nil
}

// flushBatch commits, retries once at full size, and bisects on repeat
// failure until the culprit item is isolated.
func (p *Persister) flushBatch(ctx context.Context, items []models.Item, retry bool) {
	err := p.commit(ctx, items)
	if err == nil {
		return
	}

	if retry {
		if err = p.commit(ctx, items); err == nil {
			return
		}
	}

	if len(items) == 1 {
		p.poison(ctx, items[0], err)
		return
	}

	p.logger.Warn("batch commit failed, bisecting", "size", len(items), "err", err)
	mid := len(items) / 2
	p.flushBatch(ctx, items[:mid], false)
	p.flushBatch(ctx, items[mid:], false)
}

// commit writes one batch in a single transaction, in dependency order,
// resolving name references against rows committed earlier in the same
// transaction.
func (p *Persister) commit(ctx context.Context, items []models.Item) error {
	ordered := make([]models.Item, len(items))
	copy(ordered, items)
	stableSortByKind(ordered)
	ordered = coalesceEdges(ordered)

	return p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		refs := newRefTable(p.store, tx)

		for _, item := range ordered {
			var err error
			switch item.Kind {
			case models.ItemArtist:
				err = p.commitArtist(ctx, refs, item.Artist)
			case models.ItemTrack:
				err = p.commitTrack(ctx, refs, item.Track)
			case models.ItemSetlist:
				err = p.commitSetlist(ctx, refs, item.Setlist)
			case models.ItemSetlistTrack:
				err = p.commitMembership(ctx, refs, item.SetlistTrack)
			case models.ItemTrackArtist:
				err = p.commitRole(ctx, refs, item.TrackArtist)
			case models.ItemAdjacency:
				err = p.commitAdjacency(ctx, refs, item.Adjacency)
			}
			if err != nil {
				return err
			}
		}

		// Set-lists that gained memberships get their BPM range recomputed
		// from whatever track BPMs the store now has.
		for setlistID := range refs.memberSets {
			if err := p.store.Setlists.DeriveBPMRange(ctx, refs.tx, setlistID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Persister) commitArtist(ctx context.Context, refs *refTable, item *models.ArtistItem) error {
	_, err := refs.artistID(ctx, &models.Artist{
		Name:           item.Name,
		NormalizedName: item.NormalizedName,
		Genres:         item.Genres,
		CountryCode:    item.CountryCode,
		SpotifyID:      item.SpotifyID,
	})
	return err
}

func (p *Persister) commitTrack(ctx context.Context, refs *refTable, item *models.TrackItem) error {
	artistID, err := refs.artistID(ctx, &models.Artist{Name: item.PrimaryArtist})
	if err != nil {
		return fmt.Errorf("track %q: %w", item.Title, err)
	}

	track := &models.Track{
		Title:              item.Title,
		NormalizedTitle:    item.NormalizedTitle,
		PrimaryArtistID:    artistID,
		BPM:                item.BPM,
		Key:                item.Key,
		DurationMS:         item.DurationMS,
		Genre:              item.Genre,
		OriginalGenre:      item.OriginalGenre,
		Label:              item.Label,
		ParentheticalNotes: item.ParentheticalNotes,
		ISRC:               item.ISRC,
		SpotifyID:          item.SpotifyID,
		MusicBrainzID:      item.MusicBrainzID,
		AudioFeatures:      item.Features,
		TrackFlags:         item.Flags,
	}
	id, err := p.store.Tracks.Upsert(ctx, refs.tx, track)
	if err != nil {
		return err
	}
	// Every persisted track is handed to the resolver. Tracks that already
	// have a status row keep their schedule.
	if err := p.store.Enrichment.Enroll(ctx, refs.tx, id); err != nil {
		return err
	}
	refs.tracks[shared.NormalizeTrackKey(item.Title, item.PrimaryArtist)] = id
	return nil
}

func (p *Persister) commitSetlist(ctx context.Context, refs *refTable, item *models.SetlistItem) error {
	setlist := &models.Setlist{
		Name:           item.Name,
		NormalizedName: item.NormalizedName,
		Source:         item.Source,
		EventDate:      item.EventDate,
		Venue:          item.Venue,
		ParsingVersion: item.ParsingVersion,
		TracklistCount: item.TracklistCount,
		BPMRange:       item.BPMRange,
		ScrapeError:    item.ScrapeError,
	}
	id, err := p.store.Setlists.Upsert(ctx, refs.tx, setlist)
	if err != nil {
		return err
	}
	refs.setlists[setlistKey(item.Name, item.Source)] = id
	return nil
}

func (p *Persister) commitMembership(ctx context.Context, refs *refTable, item *models.SetlistTrackItem) error {
	setlistID, err := refs.setlistID(ctx, item.SetlistName, item.Source)
	if err != nil {
		return err
	}
	trackID, err := refs.trackID(ctx, item.Track)
	if err != nil {
		return err
	}
	refs.memberSets[setlistID] = true
	return p.store.Setlists.UpsertMembership(ctx, refs.tx, &models.SetlistTrack{
		SetlistID: setlistID,
		TrackID:   trackID,
		Position:  item.Position,
		PlayedAt:  item.PlayedAt,
	})
}

func (p *Persister) commitRole(ctx context.Context, refs *refTable, item *models.TrackArtistItem) error {
	trackID, err := refs.trackID(ctx, item.Track)
	if err != nil {
		return err
	}
	artistID, err := refs.artistID(ctx, &models.Artist{Name: item.Artist})
	if err != nil {
		return err
	}
	return p.store.Tracks.UpsertRole(ctx, refs.tx, &models.TrackArtist{
		TrackID:  trackID,
		ArtistID: artistID,
		Role:     item.Role,
		Position: item.Position,
	})
}

func (p *Persister) commitAdjacency(ctx context.Context, refs *refTable, item *models.AdjacencyItem) error {
	aID, err := refs.trackID(ctx, item.TrackA)
	if err != nil {
		return err
	}
	bID, err := refs.trackID(ctx, item.TrackB)
	if err != nil {
		return err
	}
	return p.store.Adjacency.Merge(ctx, refs.tx, &models.Adjacency{
		TrackAID:        aID,
		TrackBID:        bID,
		OccurrenceCount: item.Count,
		AverageDistance: item.Distance,
	})
}

// poison parks an unpersistable item on the poison list and moves on.
func (p *Persister) poison(ctx context.Context, item models.Item, cause error) {
	p.logger.Error("poisoned item", "kind", item.Kind, "err", cause)
	if p.registry != nil {
		p.registry.ItemsProcessed.WithLabelValues(string(item.Kind), "poisoned").Inc()
	}
	if p.redis == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"kind":  item.Kind,
		"item":  item,
		"error": cause.Error(),
		"at":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	p.redis.RPush(ctx, poisonKey, payload) // best effort
}

// refTable resolves name references within one transaction: rows committed
// earlier in the batch first, then the database.
type refTable struct {
	store    *repositories.Store
	tx       *sqlx.Tx
	artists  map[string]string
	tracks   map[string]string
	setlists map[string]string

	// memberSets are the setlist ids that received memberships this batch.
	memberSets map[string]bool
}

func newRefTable(store *repositories.Store, tx *sqlx.Tx) *refTable {
	return &refTable{
		store:      store,
		tx:         tx,
		artists:    map[string]string{},
		tracks:     map[string]string{},
		setlists:   map[string]string{},
		memberSets: map[string]bool{},
	}
}

// artistID resolves or creates the artist. Tracks may arrive in a batch half
// without their artist item, so resolution falls back to an upsert.
func (r *refTable) artistID(ctx context.Context, artist *models.Artist) (string, error) {
	key := shared.NormalizeName(artist.Name)
	if key == "" {
		return "", fmt.Errorf("%w: track has no attributable artist", shared.ErrValidationFailure)
	}
	if id, ok := r.artists[key]; ok {
		return id, nil
	}

	id, err := r.store.Artists.Upsert(ctx, r.tx, artist)
	if err != nil {
		return "", err
	}
	r.artists[key] = id
	return id, nil
}

func (r *refTable) trackID(ctx context.Context, ref models.TrackRef) (string, error) {
	key := shared.NormalizeTrackKey(ref.Title, ref.Artist)
	if id, ok := r.tracks[key]; ok {
		return id, nil
	}

	artistID, err := r.artistID(ctx, &models.Artist{Name: ref.Artist})
	if err != nil {
		return "", err
	}
	track, err := r.store.Tracks.GetByName(ctx, r.tx, shared.NormalizeName(ref.Title), artistID)
	if err != nil {
		return "", fmt.Errorf("unresolved track ref %q / %q: %w", ref.Title, ref.Artist, err)
	}
	r.tracks[key] = track.ID
	return track.ID, nil
}

func (r *refTable) setlistID(ctx context.Context, name, source string) (string, error) {
	key := setlistKey(name, source)
	if id, ok := r.setlists[key]; ok {
		return id, nil
	}

	setlist, err := r.store.Setlists.Get(ctx, r.tx, shared.NormalizeName(name), source)
	if err != nil {
		return "", fmt.Errorf("unresolved setlist ref %q: %w", name, err)
	}
	r.setlists[key] = setlist.ID
	return setlist.ID, nil
}

func setlistKey(name, source string) string {
	return shared.NormalizeName(name) + "|" + source
}

// stableSortByKind orders a batch for flushing while keeping page order
// within each kind.
func stableSortByKind(items []models.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return kindOrder[items[i].Kind] < kindOrder[items[j].Kind]
	})
}

// foldEdge merges one edge contribution into another with the same
// count-weighted mean the database merge uses, so folding in the batch and
// folding in the row agree.
func foldEdge(acc, in models.AdjacencyItem) models.AdjacencyItem {
	total := acc.Count + in.Count
	acc.Distance = (acc.Distance*float64(acc.Count) + in.Distance*float64(in.Count)) / float64(total)
	acc.Count = total
	return acc
}

// coalesceEdges folds duplicate edge contributions in a batch down to one
// item per unordered pair. A long set emits many contributions for its
// hottest pairs; folding first keeps the flush to one row write per pair.
func coalesceEdges(items []models.Item) []models.Item {
	out := make([]models.Item, 0, len(items))
	index := map[string]int{}

	for _, item := range items {
		if item.Kind != models.ItemAdjacency {
			out = append(out, item)
			continue
		}

		aKey := shared.NormalizeTrackKey(item.Adjacency.TrackA.Title, item.Adjacency.TrackA.Artist)
		bKey := shared.NormalizeTrackKey(item.Adjacency.TrackB.Title, item.Adjacency.TrackB.Artist)
		lo, hi := shared.CanonicalPair(aKey, bKey)
		key := lo + "|" + hi

		if i, ok := index[key]; ok {
			folded := foldEdge(*out[i].Adjacency, *item.Adjacency)
			out[i].Adjacency = &folded
			continue
		}
		index[key] = len(out)
		out = append(out, item)
	}
	return out
}
