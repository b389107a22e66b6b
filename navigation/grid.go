package navigation

import (
	"container/heap"
	"math"

	"github.com/gvsrusa/sevak-roocode-sub001/obstacle"
	"github.com/gvsrusa/sevak-roocode-sub001/spatial"
)

// cell is an integer grid coordinate.
type cell struct{ X, Y int }

// gridSearch runs an 8-connected A* search from start to goal over a grid
// of the given cellSizeM resolution, treating any cell whose centre falls
// within marginM of a tracked obstacle (inflated by the obstacle's own
// radius) or outside the boundary as blocked. It is a deliberately
// simplified stand-in for a full hybrid-A* planner: headings are not
// modelled, only 2D position, which is sufficient at the field speeds this
// system operates at.
func gridSearch(start, goal spatial.Vec3, obstacles []obstacle.Obstacle, boundary Boundary, cellSizeM, marginM float64) ([]spatial.Vec3, bool) {
	if cellSizeM <= 0 {
		cellSizeM = 0.5
	}
	toCell := func(p spatial.Vec3) cell {
		return cell{X: int(round(p.X / cellSizeM)), Y: int(round(p.Y / cellSizeM))}
	}
	toPoint := func(c cell) spatial.Vec3 {
		return spatial.Vec3{X: float64(c.X) * cellSizeM, Y: float64(c.Y) * cellSizeM}
	}

	startCell, goalCell := toCell(start), toCell(goal)

	blocked := func(c cell) bool {
		p := toPoint(c)
		if !boundary.Contains(p) {
			return true
		}
		for _, o := range obstacles {
			if p.Distance(o.Position) <= marginM+o.SizeM/2 {
				return true
			}
		}
		return false
	}

	if blocked(startCell) || blocked(goalCell) {
		return nil, false
	}

	open := &cellHeap{}
	heap.Init(open)
	heap.Push(open, cellNode{c: startCell, g: 0, f: heuristic(startCell, goalCell, cellSizeM)})

	cameFrom := map[cell]cell{}
	gScore := map[cell]float64{startCell: 0}
	visited := map[cell]bool{}

	const maxExpansions = 20000
	expansions := 0

	neighbours := []cell{
		{1, 0}, {-1, 0}, {0, 1}, {0, -1},
		{1, 1}, {1, -1}, {-1, 1}, {-1, -1},
	}

	for open.Len() > 0 {
		expansions++
		if expansions > maxExpansions {
			return nil, false
		}
		cur := heap.Pop(open).(cellNode)
		if visited[cur.c] {
			continue
		}
		visited[cur.c] = true

		if cur.c == goalCell {
			return reconstructPath(cameFrom, cur.c, toPoint), true
		}

		for _, d := range neighbours {
			next := cell{X: cur.c.X + d.X, Y: cur.c.Y + d.Y}
			if visited[next] || blocked(next) {
				continue
			}
			step := cellSizeM
			if d.X != 0 && d.Y != 0 {
				step *= 1.41421356
			}
			tentativeG := gScore[cur.c] + step
			if existing, ok := gScore[next]; !ok || tentativeG < existing {
				gScore[next] = tentativeG
				cameFrom[next] = cur.c
				heap.Push(open, cellNode{c: next, g: tentativeG, f: tentativeG + heuristic(next, goalCell, cellSizeM)})
			}
		}
	}
	return nil, false
}

func heuristic(a, b cell, cellSizeM float64) float64 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	return cellSizeM * math.Sqrt(dx*dx+dy*dy)
}

func reconstructPath(cameFrom map[cell]cell, goal cell, toPoint func(cell) spatial.Vec3) []spatial.Vec3 {
	var cells []cell
	cur := goal
	for {
		cells = append(cells, cur)
		prev, ok := cameFrom[cur]
		if !ok {
			break
		}
		cur = prev
	}
	out := make([]spatial.Vec3, len(cells))
	for i, c := range cells {
		out[len(cells)-1-i] = toPoint(c)
	}
	return out
}

func round(x float64) float64 {
	if x >= 0 {
		return float64(int(x + 0.5))
	}
	return float64(int(x - 0.5))
}

// cellNode is one A* open-set entry.
type cellNode struct {
	c    cell
	g, f float64
}

// cellHeap is a binary min-heap on f-score, the priority queue A* needs.
type cellHeap []cellNode

func (h cellHeap) Len() int            { return len(h) }
func (h cellHeap) Less(i, j int) bool   { return h[i].f < h[j].f }
func (h cellHeap) Swap(i, j int)        { h[i], h[j] = h[j], h[i] }
func (h *cellHeap) Push(x interface{}) { *h = append(*h, x.(cellNode)) }
func (h *cellHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
