package user

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/gopistolet/smtpd/auth"
	. "github.com/smartystreets/goconvey/convey"
)

func TestUserDB(t *testing.T) {
	Convey("Adding and retrieving users", t, func() {
		db := UserDB{}

		err := db.Add(User{Name: "mathias", Address: "mathias@example.com", Password: "secret"})
		So(err, ShouldBeNil)

		u, err := db.Get("mathias")
		So(err, ShouldBeNil)
		So(u.Name, ShouldEqual, "mathias")

		err = db.Add(User{Name: "mathias"})
		So(err, ShouldNotBeNil)
	})

	Convey("ByAddress is case-insensitive", t, func() {
		db := UserDB{}
		So(db.Add(User{Name: "mathias", Address: "Mathias@Example.com", Password: "secret"}), ShouldBeNil)

		u, found := db.ByAddress("mathias@example.com")
		So(found, ShouldBeTrue)
		So(u.Name, ShouldEqual, "mathias")

		_, found = db.ByAddress("nobody@example.com")
		So(found, ShouldBeFalse)
	})

	Convey("CheckPassword and CheckCramMD5", t, func() {
		u := User{Name: "mathias", Password: "secret"}
		So(u.CheckPassword("secret"), ShouldBeTrue)
		So(u.CheckPassword("wrong"), ShouldBeFalse)

		mac := hmac.New(md5.New, []byte("secret"))
		mac.Write([]byte("<challenge@example.com>"))
		creds := &auth.CramMD5Credentials{Challenge: "<challenge@example.com>", Response: hex.EncodeToString(mac.Sum(nil))}
		So(u.CheckCramMD5(creds), ShouldBeTrue)
	})

	Convey("SaveDB then LoadDB round-trips", t, func() {
		db := UserDB{}
		So(db.Add(User{Name: "mathias", Address: "mathias@example.com", Password: "secret"}), ShouldBeNil)

		path := filepath.Join(t.TempDir(), "users.json")
		So(db.SaveDB(path), ShouldBeNil)

		loaded, err := LoadDB(path)
		So(err, ShouldBeNil)
		u, err := loaded.Get("mathias")
		So(err, ShouldBeNil)
		So(u.Address, ShouldEqual, "mathias@example.com")
	})
}
