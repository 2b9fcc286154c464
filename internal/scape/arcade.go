package scape

import (
	"fmt"
	"math"
	"math/rand"

	"astrorl/internal/model"
	"astrorl/internal/nn"
)

// ObservationSize is the length of the vector produced by Arcade.Observe.
const ObservationSize = 17

// maxTurnDelta bounds a single heading change, in degrees.
const maxTurnDelta = 180

// RewardConfig holds the reward-shaping constants. They are tuning knobs, not
// part of the learning algorithms.
type RewardConfig struct {
	Survival     float64 `json:"survival" yaml:"survival"`
	Kill         float64 `json:"kill" yaml:"kill"`
	DamagePerHit float64 `json:"damage_per_hit" yaml:"damage_per_hit"`
	PowerUp      float64 `json:"power_up" yaml:"power_up"`
	Death        float64 `json:"death" yaml:"death"`
	ShotCost     float64 `json:"shot_cost" yaml:"shot_cost"`
}

func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		Survival:     0.01,
		Kill:         1.0,
		DamagePerHit: 0.5,
		PowerUp:      0.5,
		Death:        5.0,
		ShotCost:     0.01,
	}
}

type ArcadeConfig struct {
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`

	MaxTicks int `json:"max_ticks" yaml:"max_ticks"`

	ShipRadius   float64 `json:"ship_radius" yaml:"ship_radius"`
	MaxSpeed     float64 `json:"max_speed" yaml:"max_speed"`
	ThrustAccel  float64 `json:"thrust_accel" yaml:"thrust_accel"`
	StrafeAccel  float64 `json:"strafe_accel" yaml:"strafe_accel"`
	Drag         float64 `json:"drag" yaml:"drag"`
	MaxHealth    float64 `json:"max_health" yaml:"max_health"`
	MaxAmmo      int     `json:"max_ammo" yaml:"max_ammo"`
	FireCooldown float64 `json:"fire_cooldown" yaml:"fire_cooldown"`

	ProjectileSpeed  float64 `json:"projectile_speed" yaml:"projectile_speed"`
	ProjectileLife   float64 `json:"projectile_life" yaml:"projectile_life"`
	TripleSpread     float64 `json:"triple_spread" yaml:"triple_spread"`
	TripleShotPeriod float64 `json:"triple_shot_period" yaml:"triple_shot_period"`

	MinAsteroids      int     `json:"min_asteroids" yaml:"min_asteroids"`
	AsteroidMinRadius float64 `json:"asteroid_min_radius" yaml:"asteroid_min_radius"`
	AsteroidMaxRadius float64 `json:"asteroid_max_radius" yaml:"asteroid_max_radius"`
	AsteroidMaxSpeed  float64 `json:"asteroid_max_speed" yaml:"asteroid_max_speed"`
	CollisionDamage   float64 `json:"collision_damage" yaml:"collision_damage"`

	PowerUpChance float64 `json:"power_up_chance" yaml:"power_up_chance"`
	PowerUpLife   float64 `json:"power_up_life" yaml:"power_up_life"`
	PowerUpRadius float64 `json:"power_up_radius" yaml:"power_up_radius"`
	HealthRestore float64 `json:"health_restore" yaml:"health_restore"`

	Rewards RewardConfig `json:"rewards" yaml:"rewards"`
}

func DefaultArcadeConfig() ArcadeConfig {
	return ArcadeConfig{
		Width:             800,
		Height:            600,
		MaxTicks:          1200,
		ShipRadius:        12,
		MaxSpeed:          240,
		ThrustAccel:       300,
		StrafeAccel:       180,
		Drag:              0.5,
		MaxHealth:         100,
		MaxAmmo:           30,
		FireCooldown:      0.25,
		ProjectileSpeed:   420,
		ProjectileLife:    1.2,
		TripleSpread:      12,
		TripleShotPeriod:  8,
		MinAsteroids:      6,
		AsteroidMinRadius: 12,
		AsteroidMaxRadius: 48,
		AsteroidMaxSpeed:  90,
		CollisionDamage:   25,
		PowerUpChance:     0.2,
		PowerUpLife:       10,
		PowerUpRadius:     14,
		HealthRestore:     30,
		Rewards:           DefaultRewardConfig(),
	}
}

func (c ArcadeConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("arcade size must be > 0: %gx%g", c.Width, c.Height)
	}
	if c.MaxTicks <= 0 {
		return fmt.Errorf("max ticks must be > 0")
	}
	if c.MaxSpeed <= 0 {
		return fmt.Errorf("max speed must be > 0")
	}
	if c.MaxHealth <= 0 {
		return fmt.Errorf("max health must be > 0")
	}
	if c.MaxAmmo <= 0 {
		return fmt.Errorf("max ammo must be > 0")
	}
	if c.Drag < 0 || c.Drag >= 1 {
		return fmt.Errorf("drag must be in [0, 1)")
	}
	if c.AsteroidMinRadius <= 0 || c.AsteroidMaxRadius < c.AsteroidMinRadius {
		return fmt.Errorf("asteroid radius range invalid: min=%g max=%g", c.AsteroidMinRadius, c.AsteroidMaxRadius)
	}
	if c.MinAsteroids < 0 {
		return fmt.Errorf("min asteroids must be >= 0")
	}
	if c.PowerUpChance < 0 || c.PowerUpChance > 1 {
		return fmt.Errorf("power-up chance must be in [0, 1]")
	}
	return nil
}

// Arcade is a headless toroidal asteroid field. It is not safe for
// concurrent use; callers serialize Apply and Advance.
type Arcade struct {
	cfg  ArcadeConfig
	rng  *rand.Rand
	tick int

	ships       []*Ship
	asteroids   []Asteroid
	projectiles []Projectile
	powerUps    []PowerUp
}

func NewArcade(cfg ArcadeConfig) (*Arcade, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Arcade{cfg: cfg}
	a.Reset(1)
	return a, nil
}

// ArcadeFactory returns a Factory building worlds from cfg.
func ArcadeFactory(cfg ArcadeConfig) (Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return func() World {
		a := &Arcade{cfg: cfg}
		a.Reset(1)
		return a
	}, nil
}

func (a *Arcade) Config() ArcadeConfig      { return a.cfg }
func (a *Arcade) ObservationSize() int      { return ObservationSize }
func (a *Arcade) Tick() int                 { return a.tick }
func (a *Arcade) Ships() []*Ship            { return a.ships }
func (a *Arcade) Asteroids() []Asteroid     { return a.asteroids }
func (a *Arcade) Projectiles() []Projectile { return a.projectiles }
func (a *Arcade) PowerUps() []PowerUp       { return a.powerUps }

// Reset clears every entity and reseeds the field.
func (a *Arcade) Reset(seed int64) {
	a.rng = rand.New(rand.NewSource(seed))
	a.tick = 0
	a.ships = a.ships[:0]
	a.asteroids = a.asteroids[:0]
	a.projectiles = a.projectiles[:0]
	a.powerUps = a.powerUps[:0]
	for len(a.asteroids) < a.cfg.MinAsteroids {
		a.asteroids = append(a.asteroids, a.randomAsteroid(a.cfg.AsteroidMaxRadius))
	}
}

// Spawn adds a ship at a random location clear of asteroids when possible.
func (a *Arcade) Spawn(id string) *Ship {
	ship := &Ship{
		ID:      id,
		Heading: a.rng.Float64() * 360,
		Health:  a.cfg.MaxHealth,
		Ammo:    a.cfg.MaxAmmo,
		Alive:   true,
	}
	ship.X, ship.Y = a.clearPoint(a.cfg.AsteroidMaxRadius * 2)
	a.ships = append(a.ships, ship)
	return ship
}

// Observe builds the fixed-length feature vector for ship.
func (a *Arcade) Observe(ship *Ship) []float64 {
	w, h := a.cfg.Width, a.cfg.Height
	rad := ship.Heading * math.Pi / 180
	obs := make([]float64, ObservationSize)
	obs[0] = ship.X / w
	obs[1] = ship.Y / h
	obs[2] = ship.VX / a.cfg.MaxSpeed
	obs[3] = ship.VY / a.cfg.MaxSpeed
	obs[4] = math.Sin(rad)
	obs[5] = math.Cos(rad)
	if nearest := a.nearestAsteroid(ship.X, ship.Y); nearest >= 0 {
		ast := a.asteroids[nearest]
		obs[6] = torusDelta(ship.X, ast.X, w) / w
		obs[7] = torusDelta(ship.Y, ast.Y, h) / h
		obs[8] = (ast.VX - ship.VX) / a.cfg.MaxSpeed
		obs[9] = (ast.VY - ship.VY) / a.cfg.MaxSpeed
		obs[10] = ast.Radius / a.cfg.AsteroidMaxRadius
	}
	obs[11] = ship.Health / a.cfg.MaxHealth
	obs[12] = float64(ship.Ammo) / float64(a.cfg.MaxAmmo)
	obs[13] = ship.X / w
	obs[14] = (w - ship.X) / w
	obs[15] = ship.Y / h
	obs[16] = (h - ship.Y) / h
	for i, v := range obs {
		if !nn.IsFinite(v) {
			obs[i] = 0
		}
	}
	return obs
}

// Apply turns the ship immediately, latches thrust and strafe for the next
// Advance, and fires when the cooldown and ammo allow. Thrust and strafe are
// clamped to [-1, 1] and a turn to at most half a rotation either way.
func (a *Arcade) Apply(ship *Ship, action model.Action) {
	if ship == nil || !ship.Alive {
		return
	}
	if nn.IsFinite(action.Turn) {
		ship.Heading = wrap(ship.Heading+nn.SaturationWithSpread(action.Turn, maxTurnDelta), 360)
	}
	ship.thrust = nn.SaturationWithSpread(finite(action.Thrust), 1)
	ship.strafe = nn.SaturationWithSpread(finite(action.Strafe), 1)
	if action.Fire && ship.cooldown <= 0 && ship.Ammo > 0 {
		a.fire(ship)
	}
}

func (a *Arcade) fire(ship *Ship) {
	ship.Ammo--
	ship.cooldown = a.cfg.FireCooldown
	ship.pending -= a.cfg.Rewards.ShotCost

	if !ship.TripleShotActive() {
		a.projectiles = append(a.projectiles, a.shot(ship, ship.Heading))
		return
	}
	composite := Projectile{Kind: ProjectileComposite, Owner: ship.ID, X: ship.X, Y: ship.Y}
	for _, offset := range []float64{-a.cfg.TripleSpread, 0, a.cfg.TripleSpread} {
		composite.Children = append(composite.Children, a.shot(ship, ship.Heading+offset))
	}
	a.projectiles = append(a.projectiles, composite)
}

func (a *Arcade) shot(ship *Ship, heading float64) Projectile {
	rad := heading * math.Pi / 180
	return Projectile{
		Kind:  ProjectileSingle,
		Owner: ship.ID,
		X:     ship.X,
		Y:     ship.Y,
		VX:    ship.VX + math.Cos(rad)*a.cfg.ProjectileSpeed,
		VY:    ship.VY + math.Sin(rad)*a.cfg.ProjectileSpeed,
		Life:  a.cfg.ProjectileLife,
	}
}

// Advance moves the world forward by dt seconds and resolves collisions.
func (a *Arcade) Advance(dt float64) {
	if dt <= 0 || !nn.IsFinite(dt) {
		return
	}
	a.tick++
	a.moveShips(dt)
	a.moveProjectiles(dt)
	a.moveAsteroids(dt)
	a.resolveShots()
	a.resolveCollisions()
	a.collectPowerUps(dt)
	for _, ship := range a.ships {
		if ship.Alive {
			ship.pending += a.cfg.Rewards.Survival
		}
	}
	for len(a.asteroids) < a.cfg.MinAsteroids {
		ast := a.randomAsteroid(a.cfg.AsteroidMaxRadius)
		ast.X, ast.Y = a.clearPoint(a.cfg.AsteroidMaxRadius * 2)
		a.asteroids = append(a.asteroids, ast)
	}
}

// EpisodeOver reports whether the tick budget is spent or every ship is dead.
func (a *Arcade) EpisodeOver() bool {
	if a.tick >= a.cfg.MaxTicks {
		return true
	}
	if len(a.ships) == 0 {
		return false
	}
	for _, ship := range a.ships {
		if ship.Alive {
			return false
		}
	}
	return true
}

// Reward returns the reward ship earned since the previous call.
func (a *Arcade) Reward(ship *Ship) float64 {
	if ship == nil {
		return 0
	}
	r := ship.pending
	ship.pending = 0
	return r
}

func (a *Arcade) moveShips(dt float64) {
	decay := math.Pow(1-a.cfg.Drag, dt)
	for _, ship := range a.ships {
		if !ship.Alive {
			continue
		}
		fx, fy := ship.forward()
		ship.VX += (fx*ship.thrust*a.cfg.ThrustAccel - fy*ship.strafe*a.cfg.StrafeAccel) * dt
		ship.VY += (fy*ship.thrust*a.cfg.ThrustAccel + fx*ship.strafe*a.cfg.StrafeAccel) * dt
		ship.VX *= decay
		ship.VY *= decay
		if speed := math.Hypot(ship.VX, ship.VY); speed > a.cfg.MaxSpeed {
			ship.VX *= a.cfg.MaxSpeed / speed
			ship.VY *= a.cfg.MaxSpeed / speed
		}
		ship.X = wrap(ship.X+ship.VX*dt, a.cfg.Width)
		ship.Y = wrap(ship.Y+ship.VY*dt, a.cfg.Height)
		ship.cooldown = math.Max(0, ship.cooldown-dt)
		ship.tripleShot = math.Max(0, ship.tripleShot-dt)
	}
}

func (a *Arcade) moveProjectiles(dt float64) {
	live := a.projectiles[:0]
	for _, p := range a.projectiles {
		p.step(dt, a.cfg.Width, a.cfg.Height)
		if p.live() {
			live = append(live, p)
		}
	}
	a.projectiles = live
}

func (a *Arcade) moveAsteroids(dt float64) {
	for i := range a.asteroids {
		ast := &a.asteroids[i]
		ast.X = wrap(ast.X+ast.VX*dt, a.cfg.Width)
		ast.Y = wrap(ast.Y+ast.VY*dt, a.cfg.Height)
	}
}

func (a *Arcade) resolveShots() {
	var survivors []Asteroid
	for _, ast := range a.asteroids {
		shooter := ""
		for i := range a.projectiles {
			if a.projectiles[i].hit(&ast, a.cfg.Width, a.cfg.Height) {
				shooter = a.projectiles[i].Owner
				break
			}
		}
		if shooter == "" {
			survivors = append(survivors, ast)
			continue
		}
		if ship := a.ship(shooter); ship != nil {
			ship.Kills++
			ship.pending += a.cfg.Rewards.Kill
		}
		survivors = append(survivors, a.split(ast)...)
		a.maybeDropPowerUp(ast.X, ast.Y)
	}
	a.asteroids = survivors

	live := a.projectiles[:0]
	for _, p := range a.projectiles {
		if p.live() {
			live = append(live, p)
		}
	}
	a.projectiles = live
}

// resolveCollisions checks each ship against the asteroids that existed at
// the start of the tick; fragments split off here collide from the next tick.
func (a *Arcade) resolveCollisions() {
	existing := len(a.asteroids)
	for _, ship := range a.ships {
		if !ship.Alive {
			continue
		}
		for i := 0; i < existing; i++ {
			ast := a.asteroids[i]
			if !a.overlaps(ship.X, ship.Y, a.cfg.ShipRadius, ast.X, ast.Y, ast.Radius) {
				continue
			}
			ship.Health -= a.cfg.CollisionDamage
			ship.Damage += a.cfg.CollisionDamage
			ship.pending -= a.cfg.Rewards.DamagePerHit
			fragments := a.split(ast)
			a.asteroids = append(a.asteroids[:i], a.asteroids[i+1:]...)
			a.asteroids = append(a.asteroids, fragments...)
			existing--
			i--
			if ship.Health <= 0 {
				ship.Health = 0
				ship.Alive = false
				ship.thrust, ship.strafe = 0, 0
				ship.pending -= a.cfg.Rewards.Death
				break
			}
		}
	}
}

func (a *Arcade) collectPowerUps(dt float64) {
	remaining := a.powerUps[:0]
	for _, p := range a.powerUps {
		p.Life -= dt
		if p.Life <= 0 {
			continue
		}
		taken := false
		for _, ship := range a.ships {
			if !ship.Alive || !a.overlaps(ship.X, ship.Y, a.cfg.ShipRadius, p.X, p.Y, a.cfg.PowerUpRadius) {
				continue
			}
			a.applyPowerUp(ship, p.Kind)
			taken = true
			break
		}
		if !taken {
			remaining = append(remaining, p)
		}
	}
	a.powerUps = remaining
}

func (a *Arcade) applyPowerUp(ship *Ship, kind PowerUpKind) {
	switch kind {
	case PowerUpHealth:
		ship.Health = math.Min(a.cfg.MaxHealth, ship.Health+a.cfg.HealthRestore)
	case PowerUpAmmo:
		ship.Ammo = a.cfg.MaxAmmo
	case PowerUpTripleShot:
		ship.tripleShot = a.cfg.TripleShotPeriod
	}
	ship.PowerUps++
	ship.pending += a.cfg.Rewards.PowerUp
}

func (a *Arcade) maybeDropPowerUp(x, y float64) {
	if a.rng.Float64() >= a.cfg.PowerUpChance {
		return
	}
	a.powerUps = append(a.powerUps, PowerUp{
		Kind: PowerUpKind(a.rng.Intn(int(powerUpKinds))),
		X:    x,
		Y:    y,
		Life: a.cfg.PowerUpLife,
	})
}

// split breaks ast into two halves moving apart, or nothing when the halves
// would be smaller than the minimum radius.
func (a *Arcade) split(ast Asteroid) []Asteroid {
	radius := ast.Radius / 2
	if radius < a.cfg.AsteroidMinRadius {
		return nil
	}
	angle := a.rng.Float64() * 2 * math.Pi
	speed := math.Hypot(ast.VX, ast.VY)*1.2 + a.cfg.AsteroidMaxSpeed*0.2
	dx, dy := math.Cos(angle)*speed, math.Sin(angle)*speed
	return []Asteroid{
		{X: ast.X, Y: ast.Y, VX: dx, VY: dy, Radius: radius},
		{X: ast.X, Y: ast.Y, VX: -dx, VY: -dy, Radius: radius},
	}
}

func (a *Arcade) randomAsteroid(radius float64) Asteroid {
	angle := a.rng.Float64() * 2 * math.Pi
	speed := a.rng.Float64() * a.cfg.AsteroidMaxSpeed
	return Asteroid{
		X:      a.rng.Float64() * a.cfg.Width,
		Y:      a.rng.Float64() * a.cfg.Height,
		VX:     math.Cos(angle) * speed,
		VY:     math.Sin(angle) * speed,
		Radius: radius,
	}
}

// clearPoint picks a random point at least margin away from every asteroid
// and live ship, falling back to the last candidate after a few attempts.
func (a *Arcade) clearPoint(margin float64) (float64, float64) {
	var x, y float64
	for attempt := 0; attempt < 16; attempt++ {
		x = a.rng.Float64() * a.cfg.Width
		y = a.rng.Float64() * a.cfg.Height
		if a.clear(x, y, margin) {
			break
		}
	}
	return x, y
}

func (a *Arcade) clear(x, y, margin float64) bool {
	for _, ast := range a.asteroids {
		if a.overlaps(x, y, margin, ast.X, ast.Y, ast.Radius) {
			return false
		}
	}
	for _, ship := range a.ships {
		if ship.Alive && a.overlaps(x, y, margin, ship.X, ship.Y, a.cfg.ShipRadius) {
			return false
		}
	}
	return true
}

func (a *Arcade) overlaps(x1, y1, r1, x2, y2, r2 float64) bool {
	dx := torusDelta(x1, x2, a.cfg.Width)
	dy := torusDelta(y1, y2, a.cfg.Height)
	r := r1 + r2
	return dx*dx+dy*dy <= r*r
}

func (a *Arcade) nearestAsteroid(x, y float64) int {
	best := -1
	bestDist := math.Inf(1)
	for i, ast := range a.asteroids {
		dx := torusDelta(x, ast.X, a.cfg.Width)
		dy := torusDelta(y, ast.Y, a.cfg.Height)
		if d := dx*dx + dy*dy; d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func (a *Arcade) ship(id string) *Ship {
	for _, ship := range a.ships {
		if ship.ID == id {
			return ship
		}
	}
	return nil
}

func finite(v float64) float64 {
	if nn.IsFinite(v) {
		return v
	}
	return 0
}
