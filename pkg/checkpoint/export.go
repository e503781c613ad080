package checkpoint

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
	"github.com/cnclabs/kge/pkg/model"
)

// ExportTSV writes the rows of p to <dir>/<prefix>_vecs.tsv, one
// tab-separated vector per line, and the matching names to
// <dir>/<prefix>_meta.tsv. Rows beyond len(names) are skipped.
func ExportTSV(dir, prefix string, p *model.Param, names []string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return exportFailed(err, dir, "failed to create embedding directory")
	}

	vecPath := filepath.Join(dir, prefix+"_vecs.tsv")
	metaPath := filepath.Join(dir, prefix+"_meta.tsv")

	vecFile, err := os.Create(vecPath)
	if err != nil {
		return exportFailed(err, vecPath, "failed to create vector file")
	}
	defer vecFile.Close()

	metaFile, err := os.Create(metaPath)
	if err != nil {
		return exportFailed(err, metaPath, "failed to create metadata file")
	}
	defer metaFile.Close()

	vw := bufio.NewWriter(vecFile)
	mw := bufio.NewWriter(metaFile)
	n := min(p.Rows, len(names))
	buf := make([]byte, 0, 32)
	for i := 0; i < n; i++ {
		mw.WriteString(names[i])
		mw.WriteByte('\n')

		for d, v := range p.Row(int64(i)) {
			if d > 0 {
				vw.WriteByte('\t')
			}
			buf = strconv.AppendFloat(buf[:0], v, 'g', -1, 64)
			vw.Write(buf)
		}
		vw.WriteByte('\n')
	}

	if err := vw.Flush(); err != nil {
		return exportFailed(err, vecPath, "failed to write vectors")
	}
	if err := mw.Flush(); err != nil {
		return exportFailed(err, metaPath, "failed to write metadata")
	}
	if err := vecFile.Close(); err != nil {
		return exportFailed(err, vecPath, "failed to close vector file")
	}
	return metaFile.Close()
}

func exportFailed(err error, path, msg string) error {
	return kgerrors.Wrap(err, kgerrors.ErrExportFailed, kgerrors.CategoryIO, msg).WithContext("path", path)
}
