package updater

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

const (
	// stop the service
	// rename agentupdate.exe to agentupdate.exe.old
	// rename agentupdate.exe.new to agentupdate.exe
	// delete agentupdate.exe.old
	// start the service
	// exit with code 0 if we've reached this point indicating success.
	windowsUpdateCommandTemplate = `sc stop {{.ServiceName}} >nul 2>&1
rename "{{.TargetPath}}" {{.OldName}}
rename "{{.NewPath}}" {{.BinaryName}}
del "{{.OldPath}}"
sc start {{.ServiceName}} >nul 2>&1
exit /b 0`
	batchFileName      = "agentupdate_update.bat"
	windowsServiceName = "agentupdate"
)

// Prepare some data to insert into the template.
type batchData struct {
	TargetPath  string
	OldName     string
	NewPath     string
	OldPath     string
	BinaryName  string
	BatchName   string
	ServiceName string
}

// writeBatchFile writes a batch file out to disk
// a batch file isn't ideal, but it is the simplest path forward for the constraints Windows creates
func writeBatchFile(targetPath string, newPath string, oldPath string) error {
	batchFilePath := filepath.Join(filepath.Dir(targetPath), batchFileName)
	os.Remove(batchFilePath) //remove any failed updates before download
	f, err := os.Create(batchFilePath)
	if err != nil {
		return err
	}
	defer f.Close()

	data := batchData{
		TargetPath:  targetPath,
		OldName:     filepath.Base(oldPath),
		NewPath:     newPath,
		OldPath:     oldPath,
		BinaryName:  filepath.Base(targetPath),
		BatchName:   batchFileName,
		ServiceName: windowsServiceName,
	}

	t, err := template.New("batch").Parse(windowsUpdateCommandTemplate)
	if err != nil {
		return err
	}
	return t.Execute(f, data)
}

// run each OS command for windows
func runWindowsBatch(batchFile string) error {
	// Remove the batch file we created. Don't let this interfere with the error
	// we report.
	defer os.Remove(batchFile)
	cmd := exec.Command("cmd", "/C", batchFile)
	_, err := cmd.Output()
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			return fmt.Errorf("error during update: %s", string(exitError.Stderr))
		}
	}
	return err
}
