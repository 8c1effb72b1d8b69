package e2e

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"
)

// DistractorExtensions are the file types WriteDistractors produces, one file each.
var DistractorExtensions = []string{".txt", ".md", ".docx", ".pptx", ".odp", ".ods", ".xlsx"}

// WriteDistractors writes one file per extension under dir, each holding text with the
// extension appended so their contents differ. Returns the written paths.
func WriteDistractors(dir, text string) ([]string, error) {
	var paths []string
	for _, ext := range DistractorExtensions {
		body := fmt.Sprintf("%s (%s)", text, ext[1:])
		data, err := MinimalFile(ext, body)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, "distractor"+ext)
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// MinimalFile returns the bytes of a smallest-possible file of type ext holding text.
func MinimalFile(ext, text string) ([]byte, error) {
	switch ext {
	case ".docx":
		return zipped("word/document.xml", `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>`+text+`</w:t></w:r></w:p></w:body></w:document>`)
	case ".pptx":
		return zipped("ppt/slides/slide1.xml", `<p:sld xmlns:p="a" xmlns:a="b"><p:cSld><p:spTree><p:sp><p:txBody><a:p><a:r><a:t>`+text+`</a:t></a:r></a:p></p:txBody></p:sp></p:spTree></p:cSld></p:sld>`)
	case ".odp":
		return zipped("content.xml", `<office:document><office:body><draw:page><draw:text-box><text:p>`+text+`</text:p></draw:text-box></draw:page></office:body></office:document>`)
	case ".ods":
		return zipped("content.xml", `<office:document><office:body><table:table><table:table-row><table:table-cell><text:p>`+text+`</text:p></table:table-cell></table:table-row></table:table></office:body></office:document>`)
	case ".xlsx":
		f := excelize.NewFile()
		defer f.Close()
		if err := f.SetCellValue("Sheet1", "A1", text); err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if _, err := f.WriteTo(&buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return []byte(text), nil
	}
}

func zipped(name, content string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Create(name)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
