package engine

import (
	"crypto/rand"
	"math/big"

	"deployerd/m/v2/internal/validator"
)

func validateBuildOutput(buildOutput, repoRoot string) (string, error) {
	return validator.BuildOutput(buildOutput, repoRoot)
}

func validateDeployPath(deployPath, nginxRoot string) (string, error) {
	return validator.DeployPath(deployPath, nginxRoot)
}

// portRangeLow/portRangeHigh bound the runtimePort assignment for node
// projects (spec.md S2: "a runtimePort in [4000,5000)").
const (
	portRangeLow  = 4000
	portRangeHigh = 5000
)

// assignRuntimePort picks a port in [4000,5000) for projectID's first node
// deploy. A production deployment would track in-use ports across projects
// to avoid collisions; this single-node engine accepts the small collision
// risk inherent to a random pick, consistent with spec.md's Non-goal of
// not building distributed coordination machinery for this.
func assignRuntimePort(projectID string) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(portRangeHigh-portRangeLow)))
	if err != nil {
		return portRangeLow
	}
	return portRangeLow + int(n.Int64())
}
