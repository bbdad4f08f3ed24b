//go:build windows

package git

// removeDirLastResort uses cmd's rd, which clears read-only attributes
// that os.RemoveAll refuses to touch.
func removeDirLastResort(run CommandRunner, path string) error {
	_, err := run.Run("", "cmd", "/C", "rd", "/S", "/Q", path)
	return err
}
