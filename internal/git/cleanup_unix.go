//go:build !windows

package git

// removeDirLastResort shells out to rm -rf, which handles modes that
// os.RemoveAll trips over (read-only entries under odd permissions).
func removeDirLastResort(run CommandRunner, path string) error {
	_, err := run.Run("", "rm", "-rf", path)
	return err
}
