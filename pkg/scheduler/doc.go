/*
Package scheduler orders pending cases for dispatch.

Three strategies are available:

  - strict: priority descending, then registration time ascending.
  - aging: the base priority is boosted by aging_factor per waiting hour;
    low and normal priority cases waiting past the starvation threshold
    get an extra fixed boost so they eventually run ahead of a steady
    stream of higher priority arrivals.
  - weighted_fair: each case scores weight(priority) x (1 + 0.05 x
    wait_hours), and a case past the starvation threshold has its score
    doubled.

An unrecognized strategy degrades to basic ordering (strict with nil
priorities treated as normal) rather than failing the dispatch phase.

The scheduler keeps in-memory counters: cases scheduled per priority,
average wait per priority, and the number of starvation boosts applied.
These feed the dashboard stats endpoint.
*/
package scheduler
