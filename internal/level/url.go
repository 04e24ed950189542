package level

import (
	"errors"
	"strconv"
	"strings"
)

var ErrNoURLBuilder = errors.New("level: no url builder")

// URLBuilder 构造瓦片下载地址
type URLBuilder interface {
	URL(t *Tile, altFormat string) (string, error)
}

// URLBuilderFunc 函数适配 URLBuilder
type URLBuilderFunc func(t *Tile, altFormat string) (string, error)

func (f URLBuilderFunc) URL(t *Tile, altFormat string) (string, error) {
	return f(t, altFormat)
}

// WorldWindURLBuilder 请求地址 {service}?T={dataset}&L={level}&X={col}&Y={row}
type WorldWindURLBuilder struct{}

func (WorldWindURLBuilder) URL(t *Tile, _ string) (string, error) {
	lvl := t.Level()
	if lvl.Service == "" {
		return "", errors.New("level: no service address")
	}

	var sb strings.Builder
	sb.WriteString(lvl.Service)
	if !strings.HasSuffix(lvl.Service, "?") {
		if strings.Contains(lvl.Service, "?") {
			sb.WriteString("&")
		} else {
			sb.WriteString("?")
		}
	}
	sb.WriteString("T=")
	sb.WriteString(lvl.Dataset)
	sb.WriteString("&L=")
	sb.WriteString(lvl.Name)
	sb.WriteString("&X=")
	sb.WriteString(strconv.Itoa(t.Column()))
	sb.WriteString("&Y=")
	sb.WriteString(strconv.Itoa(t.Row()))
	return sb.String(), nil
}
