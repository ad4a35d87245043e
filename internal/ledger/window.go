package ledger

import (
	"time"

	"github.com/xela07ax/commerce-gate/internal/domain"
)

type bucket struct {
	start  time.Time
	amount domain.Micros
}

// ring — скользящее окно из фиксированного числа временных корзин.
// Корзина адресуется номером слота времени; устаревшие корзины обнуляются при обращении.
type ring struct {
	width   time.Duration
	buckets []bucket
}

func newRing(w domain.Window) *ring {
	return &ring{width: w.BucketWidth(), buckets: make([]bucket, w.Buckets)}
}

func (r *ring) slotStart(t time.Time) time.Time {
	return t.Truncate(r.width)
}

// oldest — начало самой ранней корзины, которая еще входит в окно на момент now.
func (r *ring) oldest(now time.Time) time.Time {
	return r.slotStart(now).Add(-time.Duration(len(r.buckets)-1) * r.width)
}

func (r *ring) index(start time.Time) int {
	slot := start.UnixNano() / int64(r.width)
	n := int64(len(r.buckets))
	return int(((slot % n) + n) % n)
}

// evict обнуляет корзины, чье окно полностью истекло.
func (r *ring) evict(now time.Time) {
	oldest := r.oldest(now)
	for i := range r.buckets {
		if !r.buckets[i].start.IsZero() && r.buckets[i].start.Before(oldest) {
			r.buckets[i] = bucket{}
		}
	}
}

func (r *ring) total(now time.Time) domain.Micros {
	r.evict(now)
	var sum domain.Micros
	for _, b := range r.buckets {
		sum += b.amount
	}
	return sum
}

// add зачисляет сумму в корзину момента at и возвращает ее накопленное значение.
func (r *ring) add(at time.Time, amount domain.Micros) bucket {
	start := r.slotStart(at)
	i := r.index(start)
	if !r.buckets[i].start.Equal(start) {
		r.buckets[i] = bucket{start: start}
	}
	r.buckets[i].amount += amount
	return r.buckets[i]
}

// load восстанавливает корзину из журнала, если она еще в окне.
func (r *ring) load(start time.Time, amount domain.Micros, now time.Time) bool {
	if start.Before(r.oldest(now)) {
		return false
	}
	i := r.index(start)
	if !r.buckets[i].start.Equal(start) {
		r.buckets[i] = bucket{start: start}
	}
	r.buckets[i].amount += amount
	return true
}
