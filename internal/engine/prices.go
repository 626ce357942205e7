package engine

// Stock is the in-memory market view for one symbol within a session.
type Stock struct {
	Name            string
	PriceMicros     int64
	PrevPriceMicros int64
	OpenPriceMicros int64
	History         []int64
}

// ScheduleEntry moves one stock to a target price once the level clock
// reaches AtSecond. Entries at the same instant apply in list order, so the
// last one wins.
type ScheduleEntry struct {
	Stock        string
	TargetMicros int64
	AtSecond     int
}

// Schedule holds the scripted price movements, keyed by level index.
type Schedule map[int][]ScheduleEntry

type StockInit struct {
	Name        string
	PriceMicros int64
}

// Simulation owns current prices, bounded history and the per-level
// schedule. It advances on a one-second clock driven by the session runtime.
type Simulation struct {
	stocks   map[string]*Stock
	order    []string
	schedule Schedule

	level   int
	elapsed int
	fired   []bool

	onUpdate func(stock string)
}

// NewSimulation builds the market for a session. onUpdate is a
// fire-and-forget presentation hook; nil is fine.
func NewSimulation(stocks []StockInit, schedule Schedule, onUpdate func(stock string)) *Simulation {
	s := &Simulation{
		stocks:   make(map[string]*Stock, len(stocks)),
		schedule: schedule,
		onUpdate: onUpdate,
	}
	for _, in := range stocks {
		s.stocks[in.Name] = &Stock{
			Name:            in.Name,
			PriceMicros:     in.PriceMicros,
			PrevPriceMicros: in.PriceMicros,
			OpenPriceMicros: in.PriceMicros,
		}
		s.order = append(s.order, in.Name)
	}
	s.EnterLevel(0)
	return s
}

// EnterLevel resets the level clock, the fired flags and the level opening
// prices. Re-entering a level (reconnect) therefore never re-fires entries
// from a previous visit: fired state lives here, not in the entries.
func (s *Simulation) EnterLevel(level int) {
	s.level = level
	s.elapsed = 0
	s.fired = make([]bool, len(s.schedule[level]))
	for _, name := range s.order {
		st := s.stocks[name]
		st.OpenPriceMicros = st.PriceMicros
	}
}

// Tick advances the level clock by one second and applies every schedule
// entry that is due and has not fired this level. Returns the names of
// stocks whose price changed.
func (s *Simulation) Tick() []string {
	s.elapsed++
	var updated []string
	entries := s.schedule[s.level]
	for i, e := range entries {
		if s.fired[i] || e.AtSecond > s.elapsed {
			continue
		}
		s.fired[i] = true
		st, ok := s.stocks[e.Stock]
		if !ok {
			continue
		}
		st.PrevPriceMicros = st.PriceMicros
		st.History = append(st.History, st.PriceMicros)
		if len(st.History) > MaxPriceHistory {
			st.History = st.History[len(st.History)-MaxPriceHistory:]
		}
		st.PriceMicros = e.TargetMicros
		updated = append(updated, e.Stock)
	}
	if s.onUpdate != nil {
		for _, name := range updated {
			s.onUpdate(name)
		}
	}
	return updated
}

func (s *Simulation) Elapsed() int {
	return s.elapsed
}

func (s *Simulation) Level() int {
	return s.level
}

func (s *Simulation) Price(name string) (int64, error) {
	st, ok := s.stocks[name]
	if !ok {
		return 0, ErrStockNotFound
	}
	return st.PriceMicros, nil
}

// Performance returns the percentage change versus the level opening price.
func (s *Simulation) Performance(name string) (float64, error) {
	st, ok := s.stocks[name]
	if !ok {
		return 0, ErrStockNotFound
	}
	if st.OpenPriceMicros == 0 {
		return 0, nil
	}
	return float64(st.PriceMicros-st.OpenPriceMicros) / float64(st.OpenPriceMicros) * 100, nil
}

// Snapshot returns copies of all stocks in listing order.
func (s *Simulation) Snapshot() []Stock {
	out := make([]Stock, 0, len(s.order))
	for _, name := range s.order {
		st := *s.stocks[name]
		st.History = append([]int64(nil), st.History...)
		out = append(out, st)
	}
	return out
}
