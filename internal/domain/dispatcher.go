package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"animehub/internal/jd"
	"animehub/internal/util"
)

// Episode is one entry of a batch. Links may be filled in already; otherwise
// they are resolved from Link through the dispatcher's LinkSource.
type Episode struct {
	Title string   `json:"title"`
	Link  string   `json:"link"`
	Links []string `json:"links,omitempty"`
}

// Batch groups episodes that go to the download manager as one package.
type Batch struct {
	Name     string    `json:"animeName"`
	Episodes []Episode `json:"episodes"`
}

// Event reports dispatch progress. The last event of a dispatch has Done set
// and carries the facade result.
type Event struct {
	BatchID string     `json:"batchId"`
	Msg     string     `json:"msg"`
	Done    bool       `json:"done"`
	Current int        `json:"current,omitempty"`
	Total   int        `json:"total,omitempty"`
	Success bool       `json:"success"`
	Result  *jd.Result `json:"result,omitempty"`
}

// LinkSource extracts download links from an episode page.
type LinkSource interface {
	EpisodeLinks(ctx context.Context, episodeURL string) ([]string, error)
}

// Sender is the part of jd.Manager the dispatcher needs.
type Sender interface {
	AddLinks(ctx context.Context, links []string, packageName string) (jd.Result, error)
}

// Dispatcher collects links for episodes and hands them to the download
// manager.
type Dispatcher struct {
	sender Sender
	source LinkSource
	newID  func() string
}

// NewDispatcher wires a dispatcher. source may be nil when every episode
// carries its links.
func NewDispatcher(sender Sender, source LinkSource) *Dispatcher {
	return &Dispatcher{sender: sender, source: source, newID: uuid.NewString}
}

// Dispatch resolves links for every episode in b, sends them as a single
// package named after the batch and reports each step through onEvent.
// Episodes whose links cannot be extracted are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, b Batch, onEvent func(Event)) (jd.Result, error) {
	id := d.newID()
	emit := func(ev Event) {
		ev.BatchID = id
		if onEvent != nil {
			onEvent(ev)
		}
	}

	total := len(b.Episodes)
	all := make([]string, 0, total)
	for i, ep := range b.Episodes {
		if err := ctx.Err(); err != nil {
			return jd.Result{}, err
		}
		emit(Event{Msg: fmt.Sprintf("Extrayendo enlaces %d/%d", i+1, total), Current: i + 1, Total: total})
		links, err := d.episodeLinks(ctx, ep)
		if err != nil {
			emit(Event{Msg: fmt.Sprintf("No se pudieron extraer enlaces de %s", episodeLabel(ep)), Current: i + 1, Total: total})
			continue
		}
		all = append(all, links...)
	}

	emit(Event{Msg: fmt.Sprintf("Enviando %d enlaces a JDownloader…", len(all))})
	res, err := d.sender.AddLinks(ctx, all, b.Name)
	if err != nil {
		fail := jd.ErrorResult(err)
		emit(Event{Msg: fmt.Sprintf("Error al añadir %d enlaces: %s", len(all), fail.Message), Done: true, Result: &fail})
		return jd.Result{}, err
	}
	res.Message = fmt.Sprintf("%d enlaces añadidos correctamente", len(all))
	emit(Event{Msg: res.Message, Done: true, Success: true, Result: &res})
	return res, nil
}

// DispatchEpisode sends one episode as its own package.
func (d *Dispatcher) DispatchEpisode(ctx context.Context, ep Episode) (jd.Result, error) {
	links, err := d.episodeLinks(ctx, ep)
	if err != nil {
		return jd.Result{}, err
	}
	pkg := util.EpisodePackageName(ep.Title, ep.Link)
	res, err := d.sender.AddLinks(ctx, links, pkg)
	if err != nil {
		return jd.Result{}, err
	}
	n := res.LinkCount
	if n == 0 {
		n = len(links)
	}
	res.Message = fmt.Sprintf("%d enlaces añadidos para %s", n, pkg)
	return res, nil
}

func (d *Dispatcher) episodeLinks(ctx context.Context, ep Episode) ([]string, error) {
	if len(ep.Links) > 0 || d.source == nil || strings.TrimSpace(ep.Link) == "" {
		return ep.Links, nil
	}
	links, err := d.source.EpisodeLinks(ctx, ep.Link)
	if err != nil {
		return nil, fmt.Errorf("extract links from %s: %w", ep.Link, err)
	}
	return links, nil
}

func episodeLabel(ep Episode) string {
	if t := strings.TrimSpace(ep.Title); t != "" {
		return t
	}
	return ep.Link
}
