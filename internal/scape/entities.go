package scape

import "math"

// Ship is the simulation state of one agent-controlled craft. Heading is in
// degrees; 0 points along +x.
type Ship struct {
	ID      string
	X, Y    float64
	VX, VY  float64
	Heading float64
	Health  float64
	Ammo    int
	Alive   bool

	Kills    int
	Damage   float64
	PowerUps int

	thrust     float64
	strafe     float64
	cooldown   float64
	tripleShot float64
	pending    float64
}

// TripleShotActive reports whether fired shots split into three.
func (s *Ship) TripleShotActive() bool {
	return s.tripleShot > 0
}

func (s *Ship) forward() (float64, float64) {
	rad := s.Heading * math.Pi / 180
	return math.Cos(rad), math.Sin(rad)
}

type Asteroid struct {
	X, Y   float64
	VX, VY float64
	Radius float64
}

type ProjectileKind int

const (
	ProjectileSingle ProjectileKind = iota
	// ProjectileComposite carries child projectiles and expires when every
	// child has expired.
	ProjectileComposite
)

func (k ProjectileKind) String() string {
	switch k {
	case ProjectileSingle:
		return "single"
	case ProjectileComposite:
		return "composite"
	default:
		return "unknown"
	}
}

type Projectile struct {
	Kind     ProjectileKind
	Owner    string
	X, Y     float64
	VX, VY   float64
	Life     float64
	Children []Projectile
}

func (p *Projectile) live() bool {
	if p.Kind == ProjectileSingle {
		return p.Life > 0
	}
	for i := range p.Children {
		if p.Children[i].live() {
			return true
		}
	}
	return false
}

func (p *Projectile) step(dt, width, height float64) {
	if p.Kind == ProjectileComposite {
		for i := range p.Children {
			p.Children[i].step(dt, width, height)
		}
		return
	}
	if p.Life <= 0 {
		return
	}
	p.X = wrap(p.X+p.VX*dt, width)
	p.Y = wrap(p.Y+p.VY*dt, height)
	p.Life -= dt
}

// hit reports whether the projectile, or one of its children, overlaps the
// asteroid. The colliding single projectile is expired.
func (p *Projectile) hit(a *Asteroid, width, height float64) bool {
	if p.Kind == ProjectileComposite {
		for i := range p.Children {
			if p.Children[i].hit(a, width, height) {
				return true
			}
		}
		return false
	}
	if p.Life <= 0 {
		return false
	}
	dx := torusDelta(p.X, a.X, width)
	dy := torusDelta(p.Y, a.Y, height)
	if dx*dx+dy*dy > a.Radius*a.Radius {
		return false
	}
	p.Life = 0
	return true
}

// Count returns the number of live single projectiles it represents.
func (p *Projectile) Count() int {
	if p.Kind == ProjectileSingle {
		if p.Life > 0 {
			return 1
		}
		return 0
	}
	total := 0
	for i := range p.Children {
		total += p.Children[i].Count()
	}
	return total
}

type PowerUpKind int

const (
	PowerUpHealth PowerUpKind = iota
	PowerUpAmmo
	PowerUpTripleShot
	powerUpKinds
)

func (k PowerUpKind) String() string {
	switch k {
	case PowerUpHealth:
		return "health"
	case PowerUpAmmo:
		return "ammo"
	case PowerUpTripleShot:
		return "triple_shot"
	default:
		return "unknown"
	}
}

type PowerUp struct {
	Kind PowerUpKind
	X, Y float64
	Life float64
}

func wrap(value, size float64) float64 {
	value = math.Mod(value, size)
	if value < 0 {
		value += size
	}
	return value
}

// torusDelta is the shortest signed displacement from a to b on a ring of size.
func torusDelta(a, b, size float64) float64 {
	d := b - a
	if d > size/2 {
		d -= size
	} else if d < -size/2 {
		d += size
	}
	return d
}
