package game

// LevelNames are the display titles for the game levels, lowest first.
var LevelNames = []string{
	"Ice Cube Intern",
	"Frosty Freelancer",
	"Chilly Consultant",
	"Glacial Manager",
	"Subzero Supervisor",
	"Arctic Executive",
	"Polar CEO",
	"Tundra Tycoon",
	"Iceberg Mogul",
	"Cryogenic Crypto King",
}

// LevelMinPoints are the lifetime-points thresholds for each level.
var LevelMinPoints = []float64{
	0, 5_000, 25_000, 100_000, 1_000_000,
	2_000_000, 10_000_000, 50_000_000, 100_000_000, 1_000_000_000,
}

// CalculateLevel maps lifetime points to a level index.
func CalculateLevel(points float64) int {
	for i := len(LevelMinPoints) - 1; i >= 0; i-- {
		if points >= LevelMinPoints[i] {
			return i
		}
	}
	return 0
}
