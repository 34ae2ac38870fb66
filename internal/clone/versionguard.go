package clone

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/mod/semver"

	"github.com/cloneops/mongoclone/internal/log"
)

// VersionGuard is a preflight check: it compares the
// source and destination server versions before a run starts. Real
// deployments of this kind of engine only ever clone towards an
// equal-or-newer destination, so a destination older than the source is
// treated as a configuration mistake rather than merely logged.
type VersionGuard struct {
	src, dst Client
	log      *log.Event
}

// NewVersionGuard wires a guard reading buildInfo from both clients.
func NewVersionGuard(src, dst Client, lg *log.Event) *VersionGuard {
	return &VersionGuard{src: src, dst: dst, log: lg}
}

// Check fetches both servers' versions and enforces the upgrade-only
// direction: a destination older than the source is an error. A
// destination on a newer major version is logged as a warning since
// replication across major versions is usually still functional but
// worth an operator's attention.
func (g *VersionGuard) Check(ctx context.Context) error {
	srcVersion, err := g.src.BuildInfo(ctx)
	if err != nil {
		return errors.Wrap(err, "source buildInfo")
	}
	dstVersion, err := g.dst.BuildInfo(ctx)
	if err != nil {
		return errors.Wrap(err, "destination buildInfo")
	}

	srcSemver := toSemver(srcVersion)
	dstSemver := toSemver(dstVersion)
	if !semver.IsValid(srcSemver) || !semver.IsValid(dstSemver) {
		g.log.Warn("could not parse server versions for comparison (source=%q destination=%q); skipping version guard", srcVersion, dstVersion)
		return nil
	}

	cmp := semver.Compare(dstSemver, srcSemver)
	if cmp < 0 {
		return errors.Errorf("destination version %s is older than source version %s; cloning onto an older server is not supported", dstVersion, srcVersion)
	}

	if semver.Major(srcSemver) != semver.Major(dstSemver) {
		g.log.Warn("source (%s) and destination (%s) differ in major version; proceeding, but verify wire-compatible behavior", srcVersion, dstVersion)
	}
	return nil
}

// toSemver adapts a MongoDB "X.Y.Z[-rcN]" buildInfo version string into
// the "vX.Y.Z" form golang.org/x/mod/semver requires.
func toSemver(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
